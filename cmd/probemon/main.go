package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/probemon/internal/config"
	"codeberg.org/mutker/probemon/internal/controller"
	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/field"
	"codeberg.org/mutker/probemon/internal/logger"
	"codeberg.org/mutker/probemon/internal/pid"
	"codeberg.org/mutker/probemon/internal/recorder"
	"codeberg.org/mutker/probemon/internal/sampler"
	"codeberg.org/mutker/probemon/internal/symbols"
	"codeberg.org/mutker/probemon/internal/transport"
)

const minReconnectInterval = time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg, logger.Default()); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("probemon failed")
		}
		logger.Fatal().Err(err).Msg("probemon failed")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	errFactory := errors.New()

	if cfg.MapFile == "" || cfg.LayoutFile == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "map_file and layout_file are required")
	}

	lock, err := pid.Acquire("", cfg.Host, cfg.Port)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Error().Err(err).Msg("Failed to remove lock file")
		}
	}()

	layout, err := field.LoadLayout(cfg.LayoutFile)
	if err != nil {
		return errFactory.Wrap(errors.ErrLoadLayout, err)
	}

	table, err := symbols.LoadFile(cfg.MapFile)
	if err != nil {
		return errFactory.Wrap(errors.ErrLoadSymbols, err)
	}
	var current atomic.Pointer[symbols.Table]
	current.Store(table)

	fields := cfg.Fields
	if len(fields) == 0 {
		for _, s := range layout.ReadFields() {
			fields = append(fields, s.ID)
		}
	}

	tr := transport.New(transport.Config{Timeout: cfg.Timeout()}, log)

	var ctrl *controller.Controller
	engine := sampler.New(tr, layout, sampler.Config{
		Interval:               cfg.Interval,
		RetryDelay:             cfg.RetryDelay(),
		MaxConsecutiveFailures: cfg.MaxFailures,
		HistorySize:            cfg.HistorySize,
		HistoryWindow:          cfg.HistoryWindow,
	}, log, sampler.WithStatusFunc(func(s sampler.Status) {
		ctrl.HandleSamplerStatus(s)
	}))

	ctrl = controller.New(
		controller.Config{Host: cfg.Host, Port: cfg.Port, Fields: fields},
		func() (*symbols.Table, error) { return current.Load(), nil },
		tr, engine, layout, log,
	)

	if limit := layout.MaxInstances(); limit > 0 && cfg.Instance >= limit {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Key   string
			Value int
			Limit int
		}{"instance", cfg.Instance, limit})
	}
	if err := ctrl.SetInstance(cfg.Instance); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	rec, err := recorder.New(recorder.Config{
		DBPath:       cfg.Database,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Enabled:      cfg.Recording,
	}, log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitRecorder, err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close recorder")
		}
	}()

	defer ctrl.Subscribe(rec.Listener())()
	defer ctrl.Subscribe(func(b sampler.Batch) { logBatch(log, b) })()

	if err := ctrl.Connect(ctx); err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer func() {
		if err := ctrl.Disconnect(); err != nil {
			log.Error().Err(err).Msg("Failed to disconnect")
		}
	}()

	reload := make(chan struct{}, 1)
	if cfg.WatchMap {
		w := symbols.NewWatcher(cfg.MapFile, 0, func(t *symbols.Table) {
			current.Store(t)
			select {
			case reload <- struct{}{}:
			default:
			}
		}, log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("Map file watcher stopped")
			}
		}()
	}

	return loop(ctx, cfg, ctrl, reload, log)
}

// loop re-resolves symbols after a rebuild and reconnects once sampling
// has given up.
func loop(ctx context.Context, cfg *config.Config, ctrl *controller.Controller, reload <-chan struct{}, log logger.Logger) error {
	interval := max(cfg.RetryDelay(), minReconnectInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			log.Info().Msg("Map file changed, reconnecting")
			if err := ctrl.Reconnect(ctx); err != nil {
				log.Error().Err(err).Msg("Reconnect after map change failed")
			}

		case <-ticker.C:
			if ctrl.State() != controller.Failed {
				continue
			}
			log.Warn().Err(ctrl.LastError()).Msg("Connection failed, reconnecting")
			if err := ctrl.Reconnect(ctx); err != nil {
				log.Debug().Err(err).Msg("Reconnect failed")
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logBatch(log logger.Logger, b sampler.Batch) {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ev := log.Debug()
	for _, id := range ids {
		ev.Float64(id, b[id].Value)
	}
	ev.Msg("")
}
