// Package resources implements the per-resource-type driver that fetches,
// paginates, enriches and deduplicates resource records.
//
// A Manager depends only on the capabilities it uses: Fetchable for listing
// and, when the descriptor asks for enrichment, Enrichable for describe
// calls. Every listing goes through the shared Cache, keyed by target,
// resource type and query, so a run never issues the same listing twice.
package resources

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudsteward/steward/pkg/cache"
	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/retry"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// Options configures a Manager.
type Options struct {
	// Cache is shared by every manager in a run. A private cache is created
	// when nil.
	Cache *cache.Cache

	// TTL is the freshness window for listings. Zero uses the cache default.
	TTL time.Duration

	// Retry governs list, page and describe calls. A zero policy uses
	// retry.DefaultPolicy.
	Retry retry.Policy

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Manager fetches resources of one type.
type Manager struct {
	rtype   engine.ResourceType
	cache   *cache.Cache
	ttl     time.Duration
	retry   retry.Policy
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// New creates a manager for rt.
func New(rt engine.ResourceType, opts Options) (*Manager, error) {
	if rt.Name == "" || rt.IDField == "" {
		return nil, fmt.Errorf("resource type requires a name and an id field")
	}

	m := &Manager{
		rtype:   rt,
		cache:   opts.Cache,
		ttl:     opts.TTL,
		retry:   opts.Retry,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if m.logger == nil {
		m.logger = telemetry.NewNopLogger()
	}
	m.logger = m.logger.NewComponentLogger("resources").WithResourceType(rt.Name)
	if m.cache == nil {
		m.cache = cache.New(cache.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if m.retry.MaxAttempts == 0 {
		onRetry := m.retry.OnRetry
		m.retry = retry.DefaultPolicy()
		m.retry.OnRetry = onRetry
	}
	if m.retry.OnRetry == nil {
		m.retry.OnRetry = func(operation string, attempt int, err error, wait time.Duration) {
			m.metrics.RecordRetry(operation, string(engine.Classify(err)))
			m.logger.WithError(err).
				WithField("operation", operation).
				WithField("attempt", attempt).
				WithField("wait", wait.String()).
				Warn("Provider call failed, retrying")
		}
	}

	return m, nil
}

// Type returns the manager's resource type descriptor.
func (m *Manager) Type() engine.ResourceType {
	return m.rtype
}

// Resources returns the deduplicated, enriched records for query in ec's
// target. Records keep provider page order; duplicates keep the first seen.
func (m *Manager) Resources(ctx context.Context, ec *engine.ExecContext, query engine.Query) (*engine.ResourceSet, error) {
	if ec == nil || ec.Client == nil {
		return nil, fmt.Errorf("no provider client for %s", m.rtype.Name)
	}

	key := cache.NewKey(ec.Target, m.rtype.Name, query)
	return m.cache.GetOrFetch(ctx, key, m.ttl, func(ctx context.Context) (*engine.ResourceSet, error) {
		return m.fetch(ctx, ec, query)
	})
}

func (m *Manager) fetch(ctx context.Context, ec *engine.ExecContext, query engine.Query) (*engine.ResourceSet, error) {
	log := m.logger.WithTarget(ec.Target)
	timer := telemetry.NewTimer()

	records, warnings, err := m.list(ctx, ec, query)
	if err != nil {
		return nil, err
	}

	set := &engine.ResourceSet{Records: records, Warnings: warnings}

	if m.rtype.Enrich {
		if enricher, ok := ec.Client.(engine.Enrichable); ok {
			if err := m.enrich(ctx, ec, enricher, set); err != nil {
				return nil, err
			}
		} else {
			log.Debug("Client cannot describe resources, skipping enrichment")
		}
	}

	log.WithField("count", len(set.Records)).
		WithField("duration", timer.Duration().String()).
		Debug("Fetched resources")

	return set, nil
}

func (m *Manager) list(ctx context.Context, ec *engine.ExecContext, query engine.Query) ([]engine.Record, []engine.Warning, error) {
	req := engine.ListRequest{ResourceType: m.rtype.Name, Target: ec.Target, Query: query}

	it, _, err := retry.Do(ctx, m.retry, "list", retry.Fetch, func(ctx context.Context) (engine.PageIterator, error) {
		var it engine.PageIterator
		err := m.call(ctx, ec, "list", func(ctx context.Context) error {
			var err error
			it, err = ec.Client.List(ctx, req)
			return err
		})
		return it, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s in %s: %w", m.rtype.Name, ec.Target, err)
	}

	var (
		records  []engine.Record
		warnings []engine.Warning
		seen     = make(map[string]struct{})
		pages    int
	)

	for {
		page, _, err := retry.Do(ctx, m.retry, "list-page", retry.Fetch, func(ctx context.Context) (*engine.Page, error) {
			var page *engine.Page
			err := m.call(ctx, ec, "list-page", func(ctx context.Context) error {
				var err error
				page, err = it.NextPage(ctx)
				return err
			})
			return page, err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read page %d of %s in %s: %w", pages+1, m.rtype.Name, ec.Target, err)
		}
		if page == nil {
			break
		}
		pages++

		for _, rec := range page.Records {
			id := rec.ID(m.rtype.IDField)
			if id == "" {
				warnings = append(warnings, engine.Warning{
					Phase:   engine.PhaseFetch,
					Message: fmt.Sprintf("record without %s dropped", m.rtype.IDField),
				})
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			records = append(records, rec)
		}

		if page.Last {
			break
		}
	}

	return records, warnings, nil
}

type enriched struct {
	record  engine.Record
	keep    bool
	warning *engine.Warning
}

// enrich describes every record with at most ec.Workers() calls in flight.
// Vanished resources are dropped, other describe failures keep the listing
// data, and throttle exhaustion or revoked authorization fail the fetch.
func (m *Manager) enrich(ctx context.Context, ec *engine.ExecContext, enricher engine.Enrichable, set *engine.ResourceSet) error {
	results := make([]enriched, len(set.Records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ec.Workers())

	for i, rec := range set.Records {
		g.Go(func() error {
			id := rec.ID(m.rtype.IDField)
			req := engine.DescribeRequest{ResourceType: m.rtype.Name, Target: ec.Target, ID: id}

			extra, _, err := retry.Do(gctx, m.retry, "describe", retry.Fetch, func(ctx context.Context) (engine.Record, error) {
				var extra engine.Record
				err := m.call(ctx, ec, "describe", func(ctx context.Context) error {
					var err error
					extra, err = enricher.Describe(ctx, req)
					return err
				})
				return extra, err
			})

			switch {
			case err == nil:
				results[i] = enriched{record: rec.Merge(extra), keep: true}
			case engine.IsNotFound(err):
				results[i] = enriched{warning: &engine.Warning{
					ResourceID: id,
					Phase:      engine.PhaseFetch,
					Message:    "resource vanished before describe, dropped",
				}}
			case engine.IsFatal(err), gctx.Err() != nil:
				return fmt.Errorf("failed to describe %s: %w", id, err)
			default:
				m.logger.WithResourceID(id).WithError(err).Warn("Describe failed, keeping listing data")
				results[i] = enriched{record: rec, keep: true, warning: &engine.Warning{
					ResourceID: id,
					Phase:      engine.PhaseFetch,
					Message:    fmt.Sprintf("enrichment failed: %v", err),
				}}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	records := make([]engine.Record, 0, len(results))
	for _, r := range results {
		if r.warning != nil {
			set.Warnings = append(set.Warnings, *r.warning)
		}
		if r.keep {
			records = append(records, r.record)
		}
	}
	set.Records = records
	return nil
}

// call applies the per-call timeout and provider instrumentation.
func (m *Manager) call(ctx context.Context, ec *engine.ExecContext, operation string, fn func(ctx context.Context) error) error {
	if ec.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.CallTimeout)
		defer cancel()
	}
	return telemetry.RecordProviderOperation(ctx, m.rtype.Name, operation, fn)
}
