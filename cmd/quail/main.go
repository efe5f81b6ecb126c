package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/quailmail/quail/pkg/config"
	"github.com/quailmail/quail/pkg/engine"
	"github.com/quailmail/quail/pkg/events"
	"github.com/quailmail/quail/pkg/logging"
	"github.com/quailmail/quail/pkg/store"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to quail.yaml (default: search standard locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quail %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "quail:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Console)
	log.Info().Str("version", Tag).Int("accounts", len(cfg.Accounts)).Msg("starting")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	go logEvents(ctx, bus, logging.ForComponent(log, "events"))

	return engine.NewManager(cfg, st, bus, log).Run(ctx)
}

// logEvents surfaces engine notifications on the daemon log. A UI embedding
// the engines would subscribe the same way and react instead of logging.
func logEvents(ctx context.Context, bus *events.Bus, log zerolog.Logger) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindBackendStateChanged:
				state, _ := ev.Payload.(events.BackendState)
				log.Info().Str("account", ev.Account).Stringer("state", state).Msg("backend state")
			case events.KindNeedCredentials:
				log.Warn().Str("account", ev.Account).
					Msg("authentication rejected; update the credentials and restart")
			case events.KindNeedServerConfig:
				reason, _ := ev.Payload.(string)
				log.Warn().Str("account", ev.Account).Str("reason", reason).
					Msg("server unreachable; check the account host and port")
			case events.KindSyncFailed:
				log.Warn().Str("account", ev.Account).Msg("sync failed")
			default:
				log.Debug().Str("account", ev.Account).Str("kind", string(ev.Kind)).Msg("event")
			}
		}
	}
}
