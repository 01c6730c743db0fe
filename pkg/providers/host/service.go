package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Service states.
const (
	ServiceStateRunning = "running"
	ServiceStateStopped = "stopped"
	ServiceStateAbsent  = "absent"
)

// serviceHandler probes and controls systemd services via systemctl.
type serviceHandler struct {
	runner transports.Runner
}

func newServiceHandler(runner transports.Runner) *serviceHandler {
	return &serviceHandler{runner: runner}
}

func (h *serviceHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("systemctl"); err != nil {
		return engine.Fact{}, probeUnavailable("systemctl", err)
	}

	result, err := h.runner.Run(ctx, "systemctl", "show", name,
		"--property=LoadState,ActiveState,SubState,UnitFileState", "--no-pager")
	if err != nil {
		return engine.Fact{}, probeUnavailable("systemctl", err)
	}

	props := parseSystemctlShow(result.Stdout)

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "systemctl",
		Details:    map[string]string{},
	}

	if props["LoadState"] == "not-found" || props["LoadState"] == "" {
		fact.State = ServiceStateAbsent
		return fact, nil
	}

	fact.Details["sub_state"] = props["SubState"]
	if props["UnitFileState"] != "" {
		fact.Details["enabled"] = props["UnitFileState"]
	}

	if props["ActiveState"] == "active" {
		fact.State = ServiceStateRunning
	} else {
		fact.State = ServiceStateStopped
		if props["ActiveState"] == "failed" {
			fact.Details["failed"] = "true"
		}
	}
	return fact, nil
}

func (h *serviceHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	// A unit that does not exist cannot run; absent satisfies stopped,
	// matching the stop action's postcondition.
	if target.State == ServiceStateStopped && fact.State == ServiceStateAbsent {
		return true
	}
	if !matchesStateAndOwner(fact, target) {
		return false
	}
	// A target may additionally pin the unit's enablement.
	if want := target.Params["enabled"]; want == "true" {
		return fact.Details["enabled"] == "enabled"
	}
	return true
}

func (h *serviceHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) (*engine.Action, error) {
	switch target.State {
	case ServiceStateRunning:
		return h.startAction(resource, target), nil
	case ServiceStateStopped:
		return h.stopAction(resource), nil
	case ServiceStateAbsent:
		// Observed-only: removing a unit means uninstalling its package,
		// which this engine does not manage.
		return nil, engine.NewPermanentError(
			fmt.Sprintf("service %s: %q is an observed state, not a target (declare %q or %q)",
				resource.Name, ServiceStateAbsent, ServiceStateRunning, ServiceStateStopped), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for service (want %q or %q)",
				target.State, ServiceStateRunning, ServiceStateStopped), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *serviceHandler) startAction(resource engine.Resource, target engine.TargetState) *engine.Action {
	return &engine.Action{
		Name:     "start-service",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State != ServiceStateAbsent
		},
		Apply: func(ctx context.Context) error {
			if target.Params["enabled"] == "true" {
				if err := h.systemctl(ctx, "enable", resource.Name); err != nil {
					return err
				}
			}
			return h.systemctl(ctx, "start", resource.Name)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == ServiceStateRunning
		},
	}
}

func (h *serviceHandler) stopAction(resource engine.Resource) *engine.Action {
	return &engine.Action{
		Name:     "stop-service",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State == ServiceStateRunning
		},
		Apply: func(ctx context.Context) error {
			if err := h.systemctl(ctx, "stop", resource.Name); err != nil {
				return err
			}
			// Stopping without disabling brings the unit back on reboot,
			// which re-creates the port conflict the stop was for.
			return h.systemctl(ctx, "disable", resource.Name)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == ServiceStateStopped || fact.State == ServiceStateAbsent
		},
	}
}

func (h *serviceHandler) systemctl(ctx context.Context, verb, unit string) error {
	result, err := h.runner.Run(ctx, "systemctl", verb, unit)
	if err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("systemctl %s %s did not run", verb, unit), err)
	}
	if !result.Succeeded() {
		return engine.NewTransientError(
			fmt.Sprintf("systemctl %s %s failed: %s", verb, unit,
				strings.TrimSpace(result.Stderr)), nil)
	}
	return nil
}

// parseSystemctlShow parses Key=Value lines from systemctl show.
func parseSystemctlShow(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && key != "" {
			props[key] = value
		}
	}
	return props
}
