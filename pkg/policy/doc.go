// Package policy loads and checks governance policy documents.
//
// A policy document is YAML or JSON, either a single policy or a
// {policies: [...]} list:
//
//	policies:
//	  - name: stop-old-dev-instances
//	    resource: ec2
//	    filters:
//	      - "tag:Environment": dev
//	      - type: age
//	        days: 30
//	    actions:
//	      - stop
//
// Documents are checked in three stages. The CUE schema rejects structural
// mistakes such as unknown keys or a non-list filters block. Struct
// validation checks required fields and mode settings. Guardrails are Rego
// rules evaluated against the normalized document; error-severity
// violations reject the policy, others are reported as warnings.
//
// Filter and action parameters are checked later, against the resolved
// resource type, by the orchestrator's validate phase.
//
// # Guardrails
//
// Custom guardrails are Rego modules defining a "deny" set:
//
//	package custom.guardrails.owner
//
//	import rego.v1
//
//	deny contains violation if {
//	    not "owner" in input.policy.tags
//	    violation := {"message": "policies must carry the owner tag", "severity": "error"}
//	}
//
// # Hot Reload
//
// Loader.Watch reloads policies when files under the watched paths change:
//
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return scheduler.Replace(policies)
//	})
package policy
