// Package telemetry provides observability instrumentation for Steward.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and run events into one Telemetry
// value that the CLI builds at startup and the orchestrator threads through
// every policy run.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithRunID(runID).WithPolicy("ec2-stop-old-dev")
//	logger.Info("Entering fetch phase")
//	logger.WithError(err).Warn("Enrichment failed, keeping listing data")
//
// WithError also attaches the engine error class and code when present.
//
// # Tracing
//
// A run produces a "policy.run" span. Fetch and act get a "phase.<name>"
// child with one "target.<phase>" span per account/region, and every
// provider call below it gets a "provider.<operation>" span:
//
//	err := telemetry.RecordProviderOperation(ctx, "aws.ec2", "list", func(ctx context.Context) error {
//	    page, err = it.NextPage(ctx)
//	    return err
//	})
//
// Supported exporters: "otlp" (gRPC), "stdout", "none".
//
// # Metrics
//
// Key metrics exposed (namespace "steward"):
//
//   - steward_policy_runs_started_total{policy}
//   - steward_policy_runs_completed_total{policy,status}
//   - steward_resources_fetched{policy,resource_type}
//   - steward_resources_matched{policy,resource_type}
//   - steward_provider_calls_total{resource_type,operation}
//   - steward_provider_retries_total{operation,class}
//   - steward_cache_lookups_total{result}
//   - steward_action_outcomes_total{action,status}
//
// All Metrics methods are safe on a nil or disabled collector.
//
// # Events
//
// Run lifecycle, action outcomes and notify-action payloads are published as
// events. Delivery is synchronous unless EventsConfig.EnableAsync is set:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeNotification))
package telemetry
