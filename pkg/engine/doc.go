// Package engine provides the core types and interfaces for the Steward policy execution engine.
//
// # Overview
//
// Steward evaluates declarative governance policies against live cloud
// infrastructure and optionally remediates non-compliant resources. A policy
// run moves through a fixed, linear state machine:
//
//  1. Validate - Check the policy document, filter and action parameters
//  2. Resolve - Look the resource type up in the registry
//  3. Fetch - List, enrich and deduplicate resources (through the cache)
//  4. Filter - Narrow the fetched set with a pure predicate tree
//  5. Act - Apply the action sequence to the matched resources
//  6. Report - Assemble the ExecutionResult
//
// # Core Domain Types
//
//   - ResourceType: Immutable descriptor of one resource kind (id/date/tags fields, operations)
//   - Record: One resource in the provider's native shape
//   - ResourceSet: The product of one fetch, in first-seen order, plus warnings
//   - Target: An (account, region) unit of work
//   - ExecContext: Explicit per-unit context (client, target, concurrency, clock, dry-run)
//   - ActionOutcome: Per-resource, per-action result
//   - ExecutionResult: The structured product of a run
//
// # Provider Capabilities
//
// Resource-type bindings live outside the engine and implement narrow
// capability interfaces selectively:
//
//	type Fetchable interface {
//	    List(ctx context.Context, req ListRequest) (PageIterator, error)
//	}
//
//	type Mutator interface {
//	    Mutate(ctx context.Context, req MutateRequest) (*MutateResponse, error)
//	}
//
// Enrichable, BatchMutator and Taggable are optional and discovered with a
// type assertion by the component that needs them.
//
// # Error Classification
//
// Provider errors are classified so that retry and abort logic stays uniform:
//
//   - Throttled: Rate limiting, retried with exponential backoff
//   - Unauthorized: Credentials missing or revoked, fatal for the run
//   - NotFound: The resource vanished, the resource is skipped
//   - Transient: Timeout-class, the call may or may not have applied
//   - Permanent: Everything else
//
// Each EngineError also carries a taxonomy code, matched with errors.Is:
//
//	if errors.Is(err, engine.ErrUnknownResourceType) {
//	    // no provider call was made
//	}
//
// # Status Tracking
//
//   - RunStatus: pending/running/succeeded/partial/failed/cancelled
//   - Phase: validate/resolve/fetch/filter/act/report
//   - OutcomeStatus: succeeded/would-apply/skipped/failed
package engine
