package policy

// BuiltinGuardrails returns the guardrails every Guardrails engine starts
// with.
func BuiltinGuardrails() []Guardrail {
	return []Guardrail{
		namingGuardrail(),
		destructiveActionsGuardrail(),
		notifyRecipientsGuardrail(),
	}
}

// namingGuardrail keeps policy names usable as metric labels and file names.
func namingGuardrail() Guardrail {
	return Guardrail{
		Name:        "policy-naming",
		Description: "Policy names are lowercase letters, digits and hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package steward.guardrails.naming

import rego.v1

deny contains msg if {
	name := input.policy.name
	not regex.match("^[a-z0-9][a-z0-9-]*$", name)
	msg := sprintf("policy name '%s' should contain only lowercase letters, digits and hyphens", [name])
}
`,
	}
}

// destructiveActionsGuardrail rejects policies that would delete or
// terminate every resource of a type.
func destructiveActionsGuardrail() Guardrail {
	return Guardrail{
		Name:        "destructive-actions",
		Description: "Destructive actions require at least one filter",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package steward.guardrails.destructive

import rego.v1

destructive := {"delete", "terminate", "remove", "purge"}

deny contains violation if {
	count(input.policy.filters) == 0
	some action in input.policy.actions
	destructive[action.type]
	violation := {
		"message": sprintf("action '%s' on %s has no filters and would apply to every resource", [action.type, input.policy.resource]),
		"severity": "error",
	}
}
`,
	}
}

// notifyRecipientsGuardrail flags notify actions nobody will read.
func notifyRecipientsGuardrail() Guardrail {
	return Guardrail{
		Name:        "notify-recipients",
		Description: "Notify actions name their recipients",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package steward.guardrails.notify

import rego.v1

deny contains msg if {
	some i, action in input.policy.actions
	action.type == "notify"
	not action.to
	msg := sprintf("notify action at actions[%d] has no recipients", [i])
}
`,
	}
}
