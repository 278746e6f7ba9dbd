package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

// Err folds the errors into a single error, or nil.
func (v Validation) Err() error {
	if v.OK() {
		return nil
	}
	return fmt.Errorf("config validation failed:\n- %s", strings.Join(v.Errors, "\n- "))
}

var knownStrategies = map[string]bool{
	"generic":    true,
	"greenhouse": true,
	"lever":      true,
	"assisted":   true,
}

// NormalizeAndValidate returns a normalized copy and the validation result.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	var out = cfg
	var res Validation

	trimList := func(xs []string) []string {
		seen := map[string]bool{}
		var ys []string
		for _, x := range xs {
			x = strings.TrimSpace(x)
			if x == "" {
				continue
			}
			key := strings.ToLower(x)
			if seen[key] {
				continue
			}
			seen[key] = true
			ys = append(ys, x)
		}
		return ys
	}

	out.Approval.Sites = trimList(out.Approval.Sites)
	out.Sessions.UserAgents = trimList(out.Sessions.UserAgents)
	out.Sessions.Locales = trimList(out.Sessions.Locales)

	if len(out.Throttle.SiteLimits) > 0 {
		limits := make(map[string]int, len(out.Throttle.SiteLimits))
		for k, v := range out.Throttle.SiteLimits {
			limits[strings.ToLower(strings.TrimSpace(k))] = v
		}
		out.Throttle.SiteLimits = limits
	}

	// ---- Validation rules ----

	if out.App.Port <= 0 || out.App.Port > 65535 {
		res.addErr("app.port must be 1..65535")
	}

	if out.Engine.Workers <= 0 {
		res.addErr("engine.workers must be > 0")
	}
	if out.Engine.MinScore < 0 || out.Engine.MinScore > 100 {
		res.addErr("engine.min_score must be 0..100")
	}
	if out.Engine.LoopSeconds < 5 {
		res.addWarn("engine.loop_seconds is very low (%d)", out.Engine.LoopSeconds)
	}
	if strings.TrimSpace(out.Engine.ProfilePath) == "" {
		res.addErr("engine.profile_path is required")
	}

	if out.Sessions.MaxUses <= 0 {
		res.addErr("sessions.max_uses must be > 0")
	}
	if out.Sessions.MaxSessions <= 0 {
		res.addErr("sessions.max_sessions must be > 0")
	}
	if len(out.Sessions.UserAgents) == 0 {
		res.addErr("sessions.user_agents must not be empty")
	}
	if out.Sessions.MaxSessions < out.Engine.Workers {
		res.addWarn("sessions.max_sessions (%d) < engine.workers (%d); workers will defer for sessions",
			out.Sessions.MaxSessions, out.Engine.Workers)
	}

	if out.Throttle.MinDelayMS < 0 || out.Throttle.MaxDelayMS < out.Throttle.MinDelayMS {
		res.addErr("throttle delay range must satisfy 0 <= min_delay_ms <= max_delay_ms")
	}
	if out.Throttle.MinDelayMS == out.Throttle.MaxDelayMS {
		res.addWarn("throttle.min_delay_ms == max_delay_ms; pacing will be fixed, not randomized")
	}
	if out.Throttle.ActionsPerSecond <= 0 {
		res.addErr("throttle.actions_per_second must be > 0")
	}
	if out.Throttle.DailyLimit <= 0 {
		res.addErr("throttle.daily_limit must be > 0; use throttle.site_limits to disable a single site")
	}
	for site, n := range out.Throttle.SiteLimits {
		if n < 0 {
			res.addErr("throttle.site_limits[%s] must be >= 0", site)
		}
	}
	if out.Throttle.CooldownSeconds < 0 {
		res.addErr("throttle.cooldown_seconds must be >= 0")
	}

	if out.Navigator.NavigationAttempts <= 0 {
		res.addErr("navigator.navigation_attempts must be > 0")
	}
	if out.Navigator.ChallengeAttempts <= 0 {
		res.addErr("navigator.challenge_attempts must be > 0")
	}
	for name, v := range map[string]int{
		"navigation_timeout_seconds": out.Navigator.NavigationTimeoutSeconds,
		"challenge_timeout_seconds":  out.Navigator.ChallengeTimeoutSeconds,
		"submit_timeout_seconds":     out.Navigator.SubmitTimeoutSeconds,
		"confirm_timeout_seconds":    out.Navigator.ConfirmTimeoutSeconds,
	} {
		if v <= 0 {
			res.addErr("navigator.%s must be > 0", name)
		}
	}
	if !knownStrategies[out.Navigator.DefaultStrategy] {
		res.addErr("navigator.default_strategy %q is unknown", out.Navigator.DefaultStrategy)
	}
	for site, s := range out.Navigator.SiteStrategies {
		if !knownStrategies[s] {
			res.addErr("navigator.site_strategies[%s] %q is unknown", site, s)
		}
	}

	usesAssisted := out.Navigator.DefaultStrategy == "assisted"
	for _, s := range out.Navigator.SiteStrategies {
		usesAssisted = usesAssisted || s == "assisted"
	}
	if usesAssisted && strings.TrimSpace(out.Navigator.AdvisorEndpoint) == "" {
		res.addWarn("assisted strategy has no navigator.advisor_endpoint; it will behave like generic")
	}
	if strings.TrimSpace(out.Challenge.Endpoint) == "" {
		res.addWarn("challenge.endpoint is empty; every challenge will be abandoned")
	}

	// password not required here; it lives in the keychain
	if out.Confirm.Email.Enabled {
		if strings.TrimSpace(out.Confirm.Email.IMAPHost) == "" {
			res.addErr("confirm.email.imap_host is required when confirm.email.enabled=true")
		}
		if strings.TrimSpace(out.Confirm.Email.Username) == "" {
			res.addErr("confirm.email.username is required when confirm.email.enabled=true")
		}
	}

	if _, err := cron.ParseStandard(out.Discovery.Cron); err != nil {
		res.addErr("discovery.cron %q: %v", out.Discovery.Cron, err)
	}
	if out.Discovery.Greenhouse.Enabled && len(out.Discovery.Greenhouse.Companies) == 0 {
		res.addWarn("discovery.greenhouse is enabled with no companies")
	}
	if out.Discovery.Lever.Enabled && len(out.Discovery.Lever.Companies) == 0 {
		res.addWarn("discovery.lever is enabled with no companies")
	}
	if out.Discovery.SmartRecruiters.Enabled && len(out.Discovery.SmartRecruiters.Companies) == 0 {
		res.addWarn("discovery.smartrecruiters is enabled with no companies")
	}

	checkRules := func(name string, rules []Rule) {
		for i, r := range rules {
			if r.Tag == "" {
				res.addErr("%s[%d].tag is required", name, i)
			}
			if len(r.Any) == 0 {
				res.addErr("%s[%d].any must have at least 1 term", name, i)
			}
		}
	}
	checkRules("scoring.title_rules", out.Scoring.TitleRules)
	checkRules("scoring.keyword_rules", out.Scoring.KeywordRules)
	for i, p := range out.Scoring.Penalties {
		if p.Reason == "" {
			res.addErr("scoring.penalties[%d].reason is required", i)
		}
	}

	return out, res
}
