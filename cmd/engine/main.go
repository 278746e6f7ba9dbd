package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"jobapply-engine/internal/approval"
	"jobapply-engine/internal/challenge"
	"jobapply-engine/internal/config"
	"jobapply-engine/internal/confirm"
	"jobapply-engine/internal/coverletter"
	"jobapply-engine/internal/discovery"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/driver/httpdriver"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/httpapi"
	"jobapply-engine/internal/logging"
	"jobapply-engine/internal/navigator"
	"jobapply-engine/internal/orchestrator"
	"jobapply-engine/internal/rank"
	"jobapply-engine/internal/scheduler"
	"jobapply-engine/internal/secrets"
	"jobapply-engine/internal/session"
	"jobapply-engine/internal/store"
	"jobapply-engine/internal/throttle"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "review":
		err = review(args)
	case "secrets":
		err = setSecret(args)
	default:
		err = fmt.Errorf("unknown command %q (want serve, review or secrets)", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

// paths resolves the data dir and the user config, seeding the config on
// first start.
type paths struct {
	dataDir string
	cfgPath string
}

func resolvePaths(fs *flag.FlagSet, args []string) (paths, error) {
	dataDir := fs.String("data", envOr("JOBAPPLY_DATA_DIR", "."), "engine data directory")
	cfgPath := fs.String("config", os.Getenv("JOBAPPLY_CONFIG"), "config file (default <data>/config.yml)")
	if err := fs.Parse(args); err != nil {
		return paths{}, err
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return paths{}, err
	}
	p := paths{dataDir: *dataDir, cfgPath: *cfgPath}
	if p.cfgPath == "" {
		userPath, err := config.EnsureUserConfig(p.dataDir, filepath.Join("config", "config.yml"))
		if err != nil {
			return paths{}, fmt.Errorf("config bootstrap failed: %w", err)
		}
		p.cfgPath = userPath
	}
	return p, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, v := config.NormalizeAndValidate(cfg)
	if !v.OK() {
		return cfg, v.Err()
	}
	return cfg, nil
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	p, err := resolvePaths(fs, args)
	if err != nil {
		return err
	}

	var cfgVal atomic.Value // stores config.Config
	loadCfg := func() (config.Config, error) { return loadConfig(p.cfgPath) }
	cfg, err := loadCfg()
	if err != nil {
		return err
	}
	cfgVal.Store(cfg)
	current := func() config.Config { return cfgVal.Load().(config.Config) }

	log := logging.New(cfg.App.LogLevel)
	_, v := config.NormalizeAndValidate(cfg)
	for _, w := range v.Warnings {
		log.Warn("config warning", "warning", w)
	}

	lock := flock.New(filepath.Join(p.dataDir, "engine.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("another engine is already running on %s", p.dataDir)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := filepath.Join(p.dataDir, "jobapply.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db.Pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hub := events.NewHub()
	pub, closePub := publisher(ctx, cfg, hub, log)
	defer closePub()

	mgr := session.NewManager(db, session.DirProfiles{Root: filepath.Join(p.dataDir, "profiles")}, session.Options{
		MaxUses:     cfg.Sessions.MaxUses,
		MaxSessions: cfg.Sessions.MaxSessions,
		UserAgents:  cfg.Sessions.UserAgents,
		Locales:     cfg.Sessions.Locales,
		Viewports:   cfg.Sessions.Viewports,
		Timezones:   cfg.Sessions.Timezones,
	}, log)
	mgr.Pub = pub

	thr := throttle.New(throttle.Options{
		MinDelay:         ms(cfg.Throttle.MinDelayMS),
		MaxDelay:         ms(cfg.Throttle.MaxDelayMS),
		Cooldown:         seconds(cfg.Throttle.CooldownSeconds),
		DailyLimit:       func(site string) int { return current().DailyLimitFor(site) },
		ActionsPerSecond: cfg.Throttle.ActionsPerSecond,
		Burst:            cfg.Throttle.Burst,
	}, db, log)

	gate := approval.New(db, func(site string) bool { return current().ApprovalRequiredFor(site) }, pub, log)

	nav, err := buildNavigator(cfg, current, db, gate, thr, pub, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     db,
		Scorer:    liveMatcher(current),
		Sessions:  mgr,
		Throttle:  thr,
		Browsers:  httpdriver.Factory{Jars: mgr, Timeout: seconds(cfg.Navigator.NavigationTimeoutSeconds)},
		Navigator: nav,
		Approvals: gate,
		Profile: func(context.Context) (domain.Profile, error) {
			return config.LoadProfile(profilePath(p.cfgPath, current().Engine.ProfilePath))
		},
		Pub: pub,
	}, orchestrator.Options{
		Workers:    cfg.Engine.Workers,
		MinScore:   cfg.Engine.MinScore,
		MaxRecords: cfg.Engine.MaxRecordsPerPosting,
		BatchSize:  cfg.Engine.BatchSize,
		DeferFor:   seconds(cfg.Engine.DeferSeconds),
		Interval:   seconds(cfg.Engine.LoopSeconds),
	}, log)

	if n, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	} else if n > 0 {
		log.Warn("failed unconfirmed submissions from previous run", "count", n)
	}

	runner := discovery.NewRunner(db, pub, log, sources(cfg, log)...)
	var discoveryStatus atomic.Value
	discoveryStatus.Store(httpapi.DiscoveryStatus{})
	var runDiscovery func(ctx context.Context) (int, error)
	if len(runner.Sources) > 0 {
		runDiscovery = httpapi.TrackDiscovery(&discoveryStatus, func(ctx context.Context) (int, error) {
			stats, err := runner.Run(ctx)
			changed := 0
			for _, s := range stats {
				changed += s.Changed
			}
			return changed, err
		})
	}

	sched := scheduler.New(log)
	if runDiscovery != nil {
		err := sched.Add(ctx, "discovery", cfg.Discovery.Cron, true, func(ctx context.Context) error {
			_, err := runDiscovery(ctx)
			if errors.Is(err, discovery.ErrRunning) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("schedule discovery: %w", err)
		}
	}
	sched.Start()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		orch.Loop(ctx)
	}()

	mux := httpapi.NewMux(httpapi.Deps{
		Store:        db,
		Ingest:       runner,
		Approvals:    gate,
		Sessions:     mgr,
		Quota:        thr,
		Hub:          hub,
		Pub:          pub,
		Log:          log,
		LastPass:     orch.LastStats,
		CfgVal:       &cfgVal,
		Discovery:    &discoveryStatus,
		UserCfgPath:  p.cfgPath,
		LoadCfg:      loadCfg,
		RunDiscovery: runDiscovery,
	})

	token, err := shutdownToken(p.dataDir)
	if err != nil {
		return err
	}
	mux.HandleFunc("/shutdown", shutdownHandler(token, stop))

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.App.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpLog := log.With("component", "http")
	srv := &http.Server{
		Handler:           httpapi.Chain(mux, httpapi.RequestID, httpapi.Recover(httpLog), httpapi.AccessLog(httpLog), httpapi.Cors),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ln) }()
	log.Info("engine listening", "addr", "http://"+addr, "db", dbPath, "config", p.cfgPath)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "err", err)
		}
		stop()
	}

	log.Info("shutting down")
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("session shutdown", "err", err)
	}
	sched.Stop(shutdownCtx)
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	return nil
}

// publisher fans events out to the SSE hub and, when configured, Redis.
func publisher(ctx context.Context, cfg config.Config, hub *events.Hub, log *slog.Logger) (events.Publisher, func()) {
	if cfg.Events.RedisURL == "" {
		return hub, func() {}
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := events.NewRedisClient(rctx, cfg.Events.RedisURL)
	if err != nil {
		log.Warn("redis events disabled", "err", err)
		return hub, func() {}
	}
	rp := &events.RedisPublisher{Client: client, Channel: cfg.Events.Channel, Log: log}
	return events.Multi{hub, rp}, func() { _ = client.Close() }
}

func buildNavigator(cfg config.Config, current func() config.Config, db *store.DB, gate *approval.Gate,
	thr *throttle.Throttle, pub events.Publisher, log *slog.Logger) (*navigator.Navigator, error) {
	generic := navigator.NewGeneric()
	strategies := []navigator.FormStrategy{generic, navigator.NewGreenhouse(), navigator.NewLever()}
	if ep := cfg.Navigator.AdvisorEndpoint; ep != "" {
		strategies = append(strategies, &navigator.Assisted{
			Advisor:  navigator.HTTPAdvisor{Endpoint: ep, Client: &http.Client{Timeout: 30 * time.Second}},
			Fallback: generic,
			Log:      log,
		})
	}
	reg, err := navigator.NewRegistry(cfg.Navigator.DefaultStrategy, cfg.Navigator.SiteStrategies, strategies...)
	if err != nil {
		return nil, fmt.Errorf("form strategies: %w", err)
	}

	nav := navigator.New(navigator.Options{
		NavigationTimeout: seconds(cfg.Navigator.NavigationTimeoutSeconds),
		NavigationRetries: cfg.Navigator.NavigationAttempts,
		BackoffBase:       ms(cfg.Navigator.BackoffBaseMS),
		BackoffMax:        ms(cfg.Navigator.BackoffMaxMS),
		LocateAttempts:    cfg.Navigator.LocateAttempts,
		FieldRetries:      cfg.Navigator.FieldRetries,
		ChallengeTimeout:  seconds(cfg.Navigator.ChallengeTimeoutSeconds),
		ChallengeAttempts: cfg.Navigator.ChallengeAttempts,
		SubmitTimeout:     seconds(cfg.Navigator.SubmitTimeoutSeconds),
		ConfirmTimeout:    seconds(cfg.Navigator.ConfirmTimeoutSeconds),
	}, log)
	nav.Strategies = reg
	nav.Pacer = thr
	nav.Letters = coverletter.Static{}
	nav.Records = orchestrator.Announce(db, pub)
	nav.Approvals = gate

	if cfg.Challenge.Endpoint != "" {
		nav.Solver = challenge.HTTPSolver{
			Endpoint: cfg.Challenge.Endpoint,
			APIKey:   func() (string, error) { return secrets.SolverKey(current()) },
			Client:   &http.Client{Timeout: seconds(cfg.Navigator.ChallengeTimeoutSeconds)},
		}
	} else {
		nav.Solver = challenge.NoSolver{}
	}

	if em := cfg.Confirm.Email; em.Enabled {
		nav.Confirmer = &confirm.Confirmer{
			Mailbox: confirm.IMAPMailbox{
				Host:     em.IMAPHost,
				Port:     em.IMAPPort,
				Username: em.Username,
				Password: func() (string, error) { return secrets.IMAPPassword(current()) },
				Mailbox:  em.Mailbox,
			},
			Poll: seconds(em.PollSeconds),
			Skew: time.Duration(em.LookbackMinutes) * time.Minute,
			Log:  log,
		}
	}
	return nav, nil
}

// liveMatcher rebuilds the scoring rules from the current config on every
// call, so edits through PUT /config apply to the next attempt.
type liveMatcher func() config.Config

func (l liveMatcher) Score(p domain.Posting, prof domain.Profile) domain.MatchResult {
	return rank.Matcher{Rules: rank.RulesFromConfig(l())}.Score(p, prof)
}

func sources(cfg config.Config, log *slog.Logger) []discovery.Source {
	limiter := throttle.NewSiteLimiter(cfg.Throttle.ActionsPerSecond, cfg.Throttle.Burst)
	var out []discovery.Source
	if gh := cfg.Discovery.Greenhouse; gh.Enabled && len(gh.Companies) > 0 {
		out = append(out, discovery.NewGreenhouse(boards(gh.Companies), limiter, log))
	}
	if lv := cfg.Discovery.Lever; lv.Enabled && len(lv.Companies) > 0 {
		out = append(out, discovery.NewLever(boards(lv.Companies), limiter, log))
	}
	if sr := cfg.Discovery.SmartRecruiters; sr.Enabled && len(sr.Companies) > 0 {
		out = append(out, discovery.NewSmartRecruiters(boards(sr.Companies), limiter, log))
	}
	return out
}

func boards(in []config.Board) []discovery.Board {
	out := make([]discovery.Board, 0, len(in))
	for _, b := range in {
		out = append(out, discovery.Board{Slug: b.Slug, Name: b.Name})
	}
	return out
}

// profilePath resolves a relative profile path against the config file.
func profilePath(cfgPath, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(cfgPath), path)
}

func ms(n int) time.Duration      { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
