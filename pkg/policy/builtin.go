package policy

// BuiltinPolicies returns the policies compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveActionsPolicy(),
		protectedNamespacesPolicy(),
		blastRadiusPolicy(),
		portEvictionPolicy(),
	}
}

// destructiveActionsPolicy blocks destructive actions unless the run
// explicitly allows them. The planner enforces the same rule; the policy
// catches plans evaluated outside a reconcile run, such as converge plan.
func destructiveActionsPolicy() Policy {
	return Policy{
		Name:        "destructive-actions",
		Description: "Blocks destructive actions unless allow_destructive is set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package converge.policies.destructive

import rego.v1

destructive_actions := {"delete-cluster", "uninstall-release", "delete-namespace"}

deny contains violation if {
	not input.settings.allow_destructive
	some unit in input.plan.units
	unit.action in destructive_actions

	violation := {
		"message": sprintf("Destructive action %s on %s/%s requires allow_destructive", [unit.action, unit.resource.kind, unit.resource.name]),
		"severity": "error",
		"resource": sprintf("%s/%s", [unit.resource.kind, unit.resource.name]),
	}
}`,
	}
}

// protectedNamespacesPolicy refuses to delete namespaces the cluster needs
// to function, regardless of allow_destructive.
func protectedNamespacesPolicy() Policy {
	return Policy{
		Name:        "protected-namespaces",
		Description: "Refuses to delete system namespaces",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "kubernetes"},
		Rego: `package converge.policies.namespaces

import rego.v1

protected := {"default", "kube-system", "kube-public", "kube-node-lease"}

deny contains violation if {
	some unit in input.plan.units
	unit.action == "delete-namespace"
	unit.resource.name in protected

	violation := {
		"message": sprintf("Namespace %s is protected and cannot be deleted", [unit.resource.name]),
		"severity": "critical",
		"resource": sprintf("%s/%s", [unit.resource.kind, unit.resource.name]),
	}
}`,
	}
}

// blastRadiusPolicy warns when a single cycle plans actions against an
// unusually large share of the environment.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Warns when one cycle plans more than 10 actions",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"review"},
		Rego: `package converge.policies.blast_radius

import rego.v1

deny contains violation if {
	unit_count := count(input.plan.units)
	unit_count > 10

	violation := {
		"message": sprintf("Plan contains %d actions in a single cycle, review before applying", [unit_count]),
		"severity": "warning",
	}
}`,
	}
}

// portEvictionPolicy surfaces squatter evictions, which terminate processes
// that some other party may be relying on.
func portEvictionPolicy() Policy {
	return Policy{
		Name:        "port-eviction",
		Description: "Warns when a plan will terminate processes holding a port",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"review", "ports"},
		Rego: `package converge.policies.ports

import rego.v1

eviction_actions := {"free-port", "evict-port-squatter"}

deny contains violation if {
	some unit in input.plan.units
	unit.action in eviction_actions
	unit.observed.owner != ""

	violation := {
		"message": sprintf("Plan will terminate %s to reclaim port %s", [unit.observed.owner, unit.resource.name]),
		"severity": "warning",
		"resource": sprintf("%s/%s", [unit.resource.kind, unit.resource.name]),
	}
}`,
	}
}
