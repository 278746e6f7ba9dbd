// engine/internal/config/config.go
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Rule struct {
	Tag    string   `yaml:"tag" json:"tag"`
	Weight int      `yaml:"weight" json:"weight"`
	Any    []string `yaml:"any" json:"any"`
}

type Penalty struct {
	Reason string   `yaml:"reason" json:"reason"`
	Weight int      `yaml:"weight" json:"weight"`
	Any    []string `yaml:"any" json:"any"`
}

type Board struct {
	Slug string `yaml:"slug" json:"slug"`
	Name string `yaml:"name" json:"name"`
}

type Config struct {
	App struct {
		Port     int    `yaml:"port" json:"port"`
		DataDir  string `yaml:"data_dir" json:"data_dir"`
		LogLevel string `yaml:"log_level" json:"log_level"`
	} `yaml:"app" json:"app"`

	Engine struct {
		Workers              int    `yaml:"workers" json:"workers"`
		LoopSeconds          int    `yaml:"loop_seconds" json:"loop_seconds"`
		MinScore             int    `yaml:"min_score" json:"min_score"`
		MaxRecordsPerPosting int    `yaml:"max_records_per_posting" json:"max_records_per_posting"`
		DeferSeconds         int    `yaml:"defer_seconds" json:"defer_seconds"`
		BatchSize            int    `yaml:"batch_size" json:"batch_size"`
		ProfilePath          string `yaml:"profile_path" json:"profile_path"`
	} `yaml:"engine" json:"engine"`

	Sessions struct {
		MaxUses     int      `yaml:"max_uses" json:"max_uses"`
		MaxSessions int      `yaml:"max_sessions" json:"max_sessions"`
		UserAgents  []string `yaml:"user_agents" json:"user_agents"`
		Locales     []string `yaml:"locales" json:"locales"`
		Viewports   []string `yaml:"viewports" json:"viewports"`
		Timezones   []string `yaml:"timezones" json:"timezones"`
	} `yaml:"sessions" json:"sessions"`

	Throttle struct {
		MinDelayMS       int            `yaml:"min_delay_ms" json:"min_delay_ms"`
		MaxDelayMS       int            `yaml:"max_delay_ms" json:"max_delay_ms"`
		ActionsPerSecond float64        `yaml:"actions_per_second" json:"actions_per_second"`
		Burst            int            `yaml:"burst" json:"burst"`
		DailyLimit       int            `yaml:"daily_limit" json:"daily_limit"`
		SiteLimits       map[string]int `yaml:"site_limits" json:"site_limits"`
		CooldownSeconds  int            `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	} `yaml:"throttle" json:"throttle"`

	Navigator struct {
		NavigationTimeoutSeconds int               `yaml:"navigation_timeout_seconds" json:"navigation_timeout_seconds"`
		NavigationAttempts       int               `yaml:"navigation_attempts" json:"navigation_attempts"`
		BackoffBaseMS            int               `yaml:"backoff_base_ms" json:"backoff_base_ms"`
		BackoffMaxMS             int               `yaml:"backoff_max_ms" json:"backoff_max_ms"`
		LocateAttempts           int               `yaml:"locate_attempts" json:"locate_attempts"`
		FieldRetries             int               `yaml:"field_retries" json:"field_retries"`
		ChallengeTimeoutSeconds  int               `yaml:"challenge_timeout_seconds" json:"challenge_timeout_seconds"`
		ChallengeAttempts        int               `yaml:"challenge_attempts" json:"challenge_attempts"`
		SubmitTimeoutSeconds     int               `yaml:"submit_timeout_seconds" json:"submit_timeout_seconds"`
		ConfirmTimeoutSeconds    int               `yaml:"confirm_timeout_seconds" json:"confirm_timeout_seconds"`
		DefaultStrategy          string            `yaml:"default_strategy" json:"default_strategy"`
		SiteStrategies           map[string]string `yaml:"site_strategies" json:"site_strategies"`
		AdvisorEndpoint          string            `yaml:"advisor_endpoint" json:"advisor_endpoint"`
	} `yaml:"navigator" json:"navigator"`

	Approval struct {
		Required bool     `yaml:"required" json:"required"`
		Sites    []string `yaml:"sites" json:"sites"`
	} `yaml:"approval" json:"approval"`

	Challenge struct {
		Endpoint       string `yaml:"endpoint" json:"endpoint"`
		KeyringAccount string `yaml:"keyring_account" json:"keyring_account"`
	} `yaml:"challenge" json:"challenge"`

	Confirm struct {
		Email struct {
			Enabled         bool   `yaml:"enabled" json:"enabled"`
			IMAPHost        string `yaml:"imap_host" json:"imap_host"`
			IMAPPort        int    `yaml:"imap_port" json:"imap_port"`
			Username        string `yaml:"username" json:"username"`
			Mailbox         string `yaml:"mailbox" json:"mailbox"`
			PollSeconds     int    `yaml:"poll_seconds" json:"poll_seconds"`
			LookbackMinutes int    `yaml:"lookback_minutes" json:"lookback_minutes"`
		} `yaml:"email" json:"email"`
	} `yaml:"confirm" json:"confirm"`

	Discovery struct {
		Cron       string `yaml:"cron" json:"cron"`
		Greenhouse struct {
			Enabled   bool    `yaml:"enabled" json:"enabled"`
			Companies []Board `yaml:"companies" json:"companies"`
		} `yaml:"greenhouse" json:"greenhouse"`
		Lever struct {
			Enabled   bool    `yaml:"enabled" json:"enabled"`
			Companies []Board `yaml:"companies" json:"companies"`
		} `yaml:"lever" json:"lever"`
		SmartRecruiters struct {
			Enabled   bool    `yaml:"enabled" json:"enabled"`
			Companies []Board `yaml:"companies" json:"companies"`
		} `yaml:"smartrecruiters" json:"smartrecruiters"`
	} `yaml:"discovery" json:"discovery"`

	Events struct {
		RedisURL string `yaml:"redis_url" json:"redis_url"`
		Channel  string `yaml:"channel" json:"channel"`
	} `yaml:"events" json:"events"`

	Scoring struct {
		TitleRules   []Rule    `yaml:"title_rules" json:"title_rules"`
		KeywordRules []Rule    `yaml:"keyword_rules" json:"keyword_rules"`
		Penalties    []Penalty `yaml:"penalties" json:"penalties"`
	} `yaml:"scoring" json:"scoring"`
}

// Load decodes path over Defaults, so a key absent from the file keeps its
// default while an explicit value, zero included, is kept as written.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setInt(&cfg.App.Port, 38472)
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	setInt(&cfg.Engine.Workers, 2)
	setInt(&cfg.Engine.LoopSeconds, 30)
	setInt(&cfg.Engine.MinScore, 60)
	setInt(&cfg.Engine.MaxRecordsPerPosting, 3)
	setInt(&cfg.Engine.DeferSeconds, 900)
	setInt(&cfg.Engine.BatchSize, 10)

	setInt(&cfg.Sessions.MaxUses, 20)
	setInt(&cfg.Sessions.MaxSessions, 4)
	if len(cfg.Sessions.UserAgents) == 0 {
		cfg.Sessions.UserAgents = []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		}
	}
	if len(cfg.Sessions.Locales) == 0 {
		cfg.Sessions.Locales = []string{"en-US", "en-GB"}
	}
	if len(cfg.Sessions.Viewports) == 0 {
		cfg.Sessions.Viewports = []string{"1280x720", "1440x900", "1920x1080"}
	}
	if len(cfg.Sessions.Timezones) == 0 {
		cfg.Sessions.Timezones = []string{"America/New_York", "America/Chicago"}
	}

	setInt(&cfg.Throttle.MinDelayMS, 500)
	setInt(&cfg.Throttle.MaxDelayMS, 1500)
	if cfg.Throttle.ActionsPerSecond == 0 {
		cfg.Throttle.ActionsPerSecond = 1
	}
	setInt(&cfg.Throttle.Burst, 1)
	setInt(&cfg.Throttle.DailyLimit, 10)
	setInt(&cfg.Throttle.CooldownSeconds, 120)

	setInt(&cfg.Navigator.NavigationTimeoutSeconds, 30)
	setInt(&cfg.Navigator.NavigationAttempts, 3)
	setInt(&cfg.Navigator.BackoffBaseMS, 1000)
	setInt(&cfg.Navigator.BackoffMaxMS, 30000)
	setInt(&cfg.Navigator.LocateAttempts, 2)
	setInt(&cfg.Navigator.FieldRetries, 2)
	setInt(&cfg.Navigator.ChallengeTimeoutSeconds, 120)
	setInt(&cfg.Navigator.ChallengeAttempts, 2)
	setInt(&cfg.Navigator.SubmitTimeoutSeconds, 45)
	setInt(&cfg.Navigator.ConfirmTimeoutSeconds, 120)
	if cfg.Navigator.DefaultStrategy == "" {
		cfg.Navigator.DefaultStrategy = "generic"
	}

	setInt(&cfg.Confirm.Email.IMAPPort, 993)
	if cfg.Confirm.Email.Mailbox == "" {
		cfg.Confirm.Email.Mailbox = "INBOX"
	}
	setInt(&cfg.Confirm.Email.PollSeconds, 20)
	setInt(&cfg.Confirm.Email.LookbackMinutes, 30)

	if cfg.Discovery.Cron == "" {
		cfg.Discovery.Cron = "@every 6h"
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "jobapply:events"
	}
}

// DailyLimitFor returns the per-site daily quota, falling back to the global one.
func (c Config) DailyLimitFor(site string) int {
	if n, ok := c.Throttle.SiteLimits[strings.ToLower(site)]; ok {
		return n
	}
	return c.Throttle.DailyLimit
}

// ApprovalRequiredFor reports whether submissions to site must be approved.
func (c Config) ApprovalRequiredFor(site string) bool {
	if !c.Approval.Required {
		return false
	}
	if len(c.Approval.Sites) == 0 {
		return true
	}
	for _, s := range c.Approval.Sites {
		if strings.EqualFold(strings.TrimSpace(s), site) {
			return true
		}
	}
	return false
}
