package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/oc2gw/internal/action"
	"github.com/mattjoyce/oc2gw/internal/catalog"
	"github.com/mattjoyce/oc2gw/internal/config"
	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/events"
	"github.com/mattjoyce/oc2gw/internal/history"
	"github.com/mattjoyce/oc2gw/internal/profile"
	"github.com/mattjoyce/oc2gw/internal/state"
	"github.com/mattjoyce/oc2gw/internal/storage"
)

const eventBufferSize = 256

// gateway is the assembled dispatch core and its stores.
type gateway struct {
	cfg      *config.Config
	db       *sql.DB
	state    *state.Store
	history  *history.Log
	hub      *events.Hub
	index    *profile.Index
	resolver *dispatch.Resolver
}

// openGateway opens storage, builds every enabled profile in load order and
// constructs the resolver over them.
func openGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := storage.OpenSQLite(ctx, cfg.ResolvePath(cfg.State.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	gw := &gateway{
		cfg:     cfg,
		db:      db,
		state:   state.NewStore(db),
		history: history.NewLog(db),
		hub:     events.NewHub(eventBufferSize),
	}

	gw.index, err = discoverProfiles(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ref := &catalog.Ref{}
	profiles, err := buildProfiles(cfg, gw.index, catalog.Deps{
		State:           gw.state,
		Resolver:        ref,
		RegistryOptions: []action.Option{action.WithLogger(logger)},
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	policy, err := dispatch.ParseShadowPolicy(cfg.Dispatch.Shadowing)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	gw.resolver, err = dispatch.New(profiles,
		dispatch.WithShadowPolicy(policy),
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithRecorder(gw.history),
		dispatch.WithRecorder(dispatch.EventRecorder(gw.hub)),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	ref.Bind(gw.resolver)

	logger.Info("profiles loaded", "priority_order", gw.resolver.ProfileNames(), "shadowed", len(gw.resolver.Shadows()))
	return gw, nil
}

func (g *gateway) Close() error {
	return g.db.Close()
}

// discoverProfiles scans profiles_dir. A missing directory is only an error
// when an enabled exec profile needs it.
func discoverProfiles(cfg *config.Config, logger *slog.Logger) (*profile.Index, error) {
	dir := cfg.ResolvePath(cfg.ProfilesDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) && !needsExec(cfg) {
		return profile.NewIndex(), nil
	}

	index, err := profile.Discover([]string{dir}, logFunc(logger))
	if err != nil {
		return nil, fmt.Errorf("profile discovery: %w", err)
	}
	return index, nil
}

func needsExec(cfg *config.Config) bool {
	for _, p := range cfg.EnabledProfiles() {
		if p.Kind == config.KindExec {
			return true
		}
	}
	return false
}

// buildProfiles returns the enabled profiles in load order.
func buildProfiles(cfg *config.Config, index *profile.Index, deps catalog.Deps) ([]profile.Profile, error) {
	enabled := cfg.EnabledProfiles()
	out := make([]profile.Profile, 0, len(enabled))
	for _, pc := range enabled {
		var (
			p   *profile.Static
			err error
		)
		switch pc.Kind {
		case config.KindBuiltin:
			p, err = catalog.Build(pc.Name, pc.Config, deps)
		case config.KindExec:
			desc, ok := index.Get(pc.Name)
			if !ok {
				return nil, fmt.Errorf("exec profile %q not found in %s", pc.Name, cfg.ProfilesDir)
			}
			p, err = profile.LoadExec(desc, profile.ExecOptions{
				Timeout:         pc.Timeout,
				Config:          pc.Config,
				RegistryOptions: deps.RegistryOptions,
			})
		default:
			err = fmt.Errorf("unknown kind %q", pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// logFunc adapts a slog.Logger to the leveled callback profile discovery takes.
func logFunc(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}
