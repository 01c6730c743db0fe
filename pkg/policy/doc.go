// Package policy gates computed plans with Open Policy Agent rules.
//
// The engine hands every plan to the gate before executing it. Policies are
// Rego modules whose deny rules produce violations; a violation at error or
// critical severity blocks the plan, warnings are logged and the plan
// proceeds. Built-in policies cover destructive actions, protected
// namespaces and plan blast radius, and operators can load additional .rego
// files from disk.
package policy
