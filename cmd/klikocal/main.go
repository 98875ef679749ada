package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klikocal/internal/config"
	"klikocal/internal/ics"
	"klikocal/internal/kliko"
	"klikocal/internal/ledger"
	appLog "klikocal/internal/log"
	"klikocal/internal/refresh"
	"klikocal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	logLevel   string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		os.Exit(setupMain(os.Args[2:]))
	}
	os.Exit(run(parseFlags(flag.CommandLine, os.Args[1:])))
}

func parseFlags(fs *flag.FlagSet, args []string) flagConfig {
	var cfg flagConfig

	fs.StringVar(&cfg.configPath, "config", "/etc/klikocal/config.yaml", "Path to config file")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.BoolVar(&cfg.once, "once", false, "Run one refresh+sync cycle and exit")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	_ = fs.Parse(args)
	return cfg
}

func run(flags flagConfig) int {
	appLog.SetLevel(appLog.ParseLevel(flags.logLevel))
	appLog.Info("klikocal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config; run `klikocal setup` first", err, "config_path", flags.configPath)
		return 1
	}

	loc := resolveLocation(conf.Timezone)
	acc := conf.Account

	appLog.Info("effective config",
		"listen", listenAddr(conf.Listen, flags.listen),
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"ledger_retention_days", conf.LedgerRetentionDays,
		"account", kliko.AccountID(acc.Host, appLog.MaskCard(acc.CardNumber)),
		"target_calendar", acc.TargetCalendarID,
		"synced_keys", len(conf.SyncedEventKeys),
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(flags.configPath, conf)

	opts := refresh.Options{
		Credentials: kliko.Credentials{
			CardNumber: acc.CardNumber,
			Password:   acc.Password,
			Host:       acc.Host,
			ClientName: acc.ClientName,
			App:        acc.App,
		},
		Location: loc,
	}

	// Without a target calendar the service still polls and answers
	// queries; it just writes nowhere.
	var calendar *ics.Store
	if acc.TargetCalendarID != "" {
		calendar = ics.NewStore(conf.CalendarPath, loc)
		opts.Syncer = ledger.New(acc.TargetCalendarID, calendar, store, ledger.Options{
			Horizon:   time.Duration(conf.HorizonDays) * 24 * time.Hour,
			Retention: time.Duration(conf.LedgerRetentionDays) * 24 * time.Hour,
			Location:  loc,
		})
	} else {
		appLog.Warn("no target_calendar_id configured; calendar sync disabled")
	}

	refresher := refresh.New(kliko.NewClient(nil), opts)

	if flags.once {
		err := refresher.Start(ctx)
		if calendar != nil {
			calendar.Wait()
		}
		if err != nil {
			return 1
		}
		appLog.Info("single cycle completed", "events", refresher.Status().Events)
		return 0
	}

	sched, err := refresh.NewScheduler(refresher, conf.RefreshCron, loc)
	if err != nil {
		appLog.Error("invalid refresh schedule", err)
		return 1
	}

	var calendarReader web.CalendarReader
	if calendar != nil {
		calendarReader = calendar
	}
	// The -listen override is kept out of the config file.
	webCfg := store.Snapshot()
	webCfg.Listen = listenAddr(webCfg.Listen, flags.listen)
	srv := web.NewServer(webCfg, loc, refresher, calendarReader)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	code := 0
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
		if err := <-errCh; err != nil {
			appLog.Error("HTTP server failed", err)
			code = 1
		}
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
			code = 1
		}
		stop()
	}

	<-schedDone
	if calendar != nil {
		calendar.Wait()
	}
	appLog.Info("klikocal exiting")
	return code
}

// resolveLocation loads name, falling back to the local zone.
func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func listenAddr(configured, override string) string {
	if override != "" {
		return override
	}
	return configured
}
