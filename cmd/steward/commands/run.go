package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/orchestrator"
	"github.com/cloudsteward/steward/pkg/policy"
	"github.com/cloudsteward/steward/pkg/providers/fixture"
)

func newRunCommand() *cobra.Command {
	var (
		policyPaths []string
		names       []string
		regions     []string
		fixtures    string
		guardrails  string
		dryRun      bool
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run policies against their targets",
		Long: `Run one or more policies.

Each policy goes through validate, resolve, fetch, filter, act and report.
Targets (account/region pairs) are fetched and acted on in parallel, up to
execution.concurrency at a time. A dry run evaluates filters and reports
which actions would apply without calling any mutating operation.

Resources are served by a fixture document (--fixtures), an in-memory
provider describing the resources of each target.`,
		Example: `  # Dry-run every policy in a directory
  steward run -p ./policies --fixtures fleet.yml --dry-run

  # Run one policy in two regions
  steward run -p ./policies --name stop-old-dev --region us-east-1 --region eu-west-1 --fixtures fleet.yml

  # Re-run policies whenever their files change
  steward run -p ./policies --fixtures fleet.yml --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			paths, err := e.policyPaths(policyPaths)
			if err != nil {
				return err
			}
			if fixtures == "" {
				return fmt.Errorf("--fixtures is required")
			}
			fx, err := fixture.Load(fixtures)
			if err != nil {
				return err
			}
			if len(regions) == 0 {
				regions = e.cfg.Execution.Regions
			}
			bindings := bindTargets(fx, regions)
			if len(bindings) == 0 {
				return fmt.Errorf("no fixture targets match regions %v", regions)
			}

			if srv := e.tel.Metrics.StartMetricsServer(func(err error) {
				log.Error().Err(err).Msg("Metrics server failed")
			}); srv != nil {
				defer srv.Close()
			}

			c, err := e.newCache(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			g, err := e.guardrails(ctx, guardrails)
			if err != nil {
				return err
			}
			history, err := e.openHistory(ctx)
			if err != nil {
				return err
			}
			if history != nil {
				defer history.Close()
			}

			o, err := e.newOrchestrator(c, g, history)
			if err != nil {
				return err
			}

			r := &runner{
				orch:     o,
				bindings: bindings,
				dryRun:   dryRun || e.cfg.Execution.DryRun,
			}

			loaded, err := e.loader.LoadFromPaths(ctx, paths)
			if err != nil {
				return err
			}
			selected, err := selectPolicies(loaded, names)
			if err != nil {
				return err
			}

			runErr := r.runAll(ctx, selected)
			if !watch {
				return runErr
			}

			if err := e.loader.Watch(ctx, paths, func(reloaded []policy.Policy) error {
				selected, err := selectPolicies(reloaded, names)
				if err != nil {
					return err
				}
				return r.rerunChanged(ctx, selected)
			}); err != nil {
				return err
			}
			log.Info().Strs("paths", paths).Msg("Watching policies for changes")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&policyPaths, "policy", "p", nil, "policy files or directories")
	cmd.Flags().StringSliceVarP(&names, "name", "n", nil, "run only the named policies")
	cmd.Flags().StringSliceVarP(&regions, "region", "r", nil, "restrict targets to these regions")
	cmd.Flags().StringVarP(&fixtures, "fixtures", "f", "", "fixture document serving the targets' resources")
	cmd.Flags().StringVar(&guardrails, "guardrails", "", "directory of additional .rego guardrails")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without mutating resources")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run policies when their files change")

	return cmd
}

// runner runs policies and remembers the last set it ran.
type runner struct {
	orch     *orchestrator.Orchestrator
	bindings []orchestrator.Binding
	dryRun   bool

	mu   sync.Mutex
	last []policy.Policy
}

func (r *runner) runAll(ctx context.Context, policies []policy.Policy) error {
	r.mu.Lock()
	r.last = policies
	r.mu.Unlock()

	var failed []string
	for i := range policies {
		if err := r.runOne(ctx, &policies[i]); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed = append(failed, policies[i].Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d policies failed: %v", len(failed), len(policies), failed)
	}
	return nil
}

func (r *runner) runOne(ctx context.Context, p *policy.Policy) error {
	result, err := r.orch.Run(ctx, orchestrator.Request{
		Policy:  p,
		Targets: r.bindings,
		DryRun:  r.dryRun,
	})
	if printErr := printResult(os.Stdout, result); printErr != nil {
		log.Warn().Err(printErr).Msg("Failed to print result")
	}
	return err
}

// rerunChanged runs the added and modified policies of a reload.
func (r *runner) rerunChanged(ctx context.Context, reloaded []policy.Policy) error {
	r.mu.Lock()
	previous := r.last
	r.last = reloaded
	r.mu.Unlock()

	changes, err := policy.Diff(previous, reloaded)
	if err != nil {
		return err
	}

	rerun := make(map[string]bool)
	for _, c := range changes {
		log.Info().
			Str("policy", c.Policy).
			Str("change", string(c.Kind)).
			Strs("fields", c.Paths).
			Msg("Policy changed")
		if c.Kind != policy.ChangeRemoved {
			rerun[c.Policy] = true
		}
	}

	for i := range reloaded {
		if !rerun[reloaded[i].Name] {
			continue
		}
		if err := r.runOne(ctx, &reloaded[i]); err != nil {
			log.Error().Err(err).Str("policy", reloaded[i].Name).Msg("Policy run failed")
		}
	}
	return nil
}

// bindTargets pairs every fixture target in regions (all when empty) with
// its client.
func bindTargets(fx *fixture.Fixture, regions []string) []orchestrator.Binding {
	allowed := make(map[string]bool, len(regions))
	for _, r := range regions {
		allowed[r] = true
	}
	var out []orchestrator.Binding
	for _, t := range fx.Targets() {
		if len(regions) > 0 && !allowed[t.Region] {
			continue
		}
		out = append(out, orchestrator.Binding{Target: t, Client: fx.Client(t)})
	}
	return out
}

var _ engine.ProviderClient = (*fixture.Client)(nil)
