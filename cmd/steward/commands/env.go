package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudsteward/steward/pkg/cache"
	"github.com/cloudsteward/steward/pkg/config"
	"github.com/cloudsteward/steward/pkg/orchestrator"
	"github.com/cloudsteward/steward/pkg/policy"
	"github.com/cloudsteward/steward/pkg/providers/fixture"
	"github.com/cloudsteward/steward/pkg/registry"
	"github.com/cloudsteward/steward/pkg/stores"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// env holds what the commands share: configuration, telemetry and the
// resource type registry.
type env struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	registry *registry.Registry
	loader   *policy.Loader
}

func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	tel.Events.Subscribe(logNotification, telemetry.FilterByType(telemetry.EventTypeNotification))

	reg := registry.New()
	if err := fixture.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register resource types: %w", err)
	}

	loader, err := policy.NewLoader(tel.Logger)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, tel: tel, registry: reg, loader: loader}, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// logNotification prints notify-action payloads. Without a delivery
// transport configured the log is where notifications land.
func logNotification(ev telemetry.Event) {
	entry := log.Warn().
		Str("run_id", ev.RunID).
		Str("policy", ev.Policy).
		Str("resource_id", ev.ResourceID)
	if subject, ok := ev.Data["subject"].(string); ok {
		entry = entry.Str("subject", subject)
	}
	if to, ok := ev.Data["to"].([]string); ok {
		entry = entry.Strs("to", to)
	}
	entry.Msg(ev.Message)
}

// policyPaths returns the paths given on the command line, or the
// configured ones.
func (e *env) policyPaths(flagPaths []string) ([]string, error) {
	if len(flagPaths) > 0 {
		return flagPaths, nil
	}
	if len(e.cfg.Policies.Paths) > 0 {
		return e.cfg.Policies.Paths, nil
	}
	return nil, fmt.Errorf("no policy paths given; use --policy or set policies.paths")
}

func (e *env) guardrails(ctx context.Context, dir string) (*policy.Guardrails, error) {
	g, err := policy.NewGuardrails(ctx, e.tel.Logger)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = e.cfg.Policies.Guardrails
	}
	if dir != "" {
		if err := g.LoadDir(ctx, dir); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (e *env) newCache(ctx context.Context) (*cache.Cache, error) {
	return e.cfg.NewCache(ctx, e.tel)
}

// openHistory opens the configured run history store. The store is nil
// when history is disabled.
func (e *env) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	return e.cfg.NewHistory(ctx, time.Now())
}

func (e *env) newOrchestrator(c *cache.Cache, g *policy.Guardrails, h *stores.SQLiteStore) (*orchestrator.Orchestrator, error) {
	var history orchestrator.Recorder
	if h != nil {
		history = h
	}
	return orchestrator.New(orchestrator.Options{
		Registry:        e.registry,
		Cache:           c,
		CacheTTL:        e.cfg.Cache.TTL,
		Workers:         e.cfg.Execution.Concurrency,
		CallConcurrency: e.cfg.Execution.CallConcurrency,
		CallTimeout:     e.cfg.Execution.CallTimeout,
		Retry:           e.cfg.Retry,
		Guardrails:      g,
		History:         history,
		Telemetry:       e.tel,
	})
}

// selectPolicies keeps the named policies, or all when names is empty.
func selectPolicies(policies []policy.Policy, names []string) ([]policy.Policy, error) {
	if len(names) == 0 {
		return policies, nil
	}
	byName := make(map[string]policy.Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	out := make([]policy.Policy, 0, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("policy %q not found", n)
		}
		out = append(out, p)
	}
	return out, nil
}
