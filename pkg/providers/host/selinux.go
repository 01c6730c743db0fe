package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// SELinux boolean states.
const (
	SELinuxBoolOn  = "on"
	SELinuxBoolOff = "off"
)

// SELinux port label states.
const (
	SELinuxPortLabeled   = "labeled"
	SELinuxPortUnlabeled = "unlabeled"
)

// selinuxBooleanHandler probes and sets SELinux policy booleans.
type selinuxBooleanHandler struct {
	runner transports.Runner
}

func newSELinuxBooleanHandler(runner transports.Runner) *selinuxBooleanHandler {
	return &selinuxBooleanHandler{runner: runner}
}

func (h *selinuxBooleanHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("getsebool"); err != nil {
		return engine.Fact{}, probeUnavailable("getsebool", err)
	}

	result, err := h.runner.Run(ctx, "getsebool", name)
	if err != nil {
		return engine.Fact{}, probeUnavailable("getsebool", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "getsebool",
	}

	if !result.Succeeded() {
		// Unknown boolean names are an absent resource, not a broken probe.
		fact.State = "absent"
		return fact, nil
	}

	state, ok := parseGetsebool(result.Stdout)
	if !ok {
		return engine.Fact{}, engine.NewPermanentError(
			fmt.Sprintf("unparseable getsebool output for %s", name), nil,
		).WithCode(engine.ErrCodeProbeUnavailable)
	}
	fact.State = state
	return fact, nil
}

func (h *selinuxBooleanHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	return matchesStateAndOwner(fact, target)
}

func (h *selinuxBooleanHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	_ engine.Fact,
) (*engine.Action, error) {
	if target.State != SELinuxBoolOn && target.State != SELinuxBoolOff {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for selinux boolean", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}

	return &engine.Action{
		Name:     "set-selinux-boolean",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State != target.State && fact.State != "absent"
		},
		Apply: func(ctx context.Context) error {
			// -P persists across reboots, matching the declarative intent.
			result, err := h.runner.Run(ctx, "setsebool", "-P", resource.Name, target.State)
			if err != nil {
				return engine.NewTransientError("setsebool did not run", err)
			}
			if !result.Succeeded() {
				return engine.NewTransientError(
					fmt.Sprintf("setsebool failed: %s", strings.TrimSpace(result.Stderr)), nil)
			}
			return nil
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == target.State
		},
	}, nil
}

// selinuxPortHandler probes and manages SELinux port type labels via semanage.
type selinuxPortHandler struct {
	runner transports.Runner
}

func newSELinuxPortHandler(runner transports.Runner) *selinuxPortHandler {
	return &selinuxPortHandler{runner: runner}
}

func (h *selinuxPortHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("semanage"); err != nil {
		return engine.Fact{}, probeUnavailable("semanage", err)
	}

	result, err := h.runner.Run(ctx, "semanage", "port", "-l")
	if err != nil || !result.Succeeded() {
		return engine.Fact{}, probeUnavailable("semanage", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "semanage",
	}

	setype, proto := findPortLabel(result.Stdout, name)
	if setype == "" {
		fact.State = SELinuxPortUnlabeled
		return fact, nil
	}

	fact.State = SELinuxPortLabeled
	fact.Details = map[string]string{"setype": setype, "proto": proto}
	return fact, nil
}

func (h *selinuxPortHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	if fact.State != target.State {
		return false
	}
	if want := target.Params["setype"]; want != "" && fact.State == SELinuxPortLabeled {
		return fact.Details["setype"] == want
	}
	return true
}

func (h *selinuxPortHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) (*engine.Action, error) {
	if target.State != SELinuxPortLabeled {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for selinux port", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}

	setype := target.Params["setype"]
	if setype == "" {
		return nil, engine.NewPermanentError(
			"selinux port target requires a setype param", nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
	proto := target.Params["proto"]
	if proto == "" {
		proto = "tcp"
	}

	return &engine.Action{
		Name:     "label-selinux-port",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return !h.Matches(fact, target)
		},
		Apply: func(ctx context.Context) error {
			// -a fails when the port already carries a label; -m modifies it.
			verb := "-a"
			if observed.State == SELinuxPortLabeled {
				verb = "-m"
			}
			result, err := h.runner.Run(ctx, "semanage", "port", verb,
				"-t", setype, "-p", proto, resource.Name)
			if err != nil {
				return engine.NewTransientError("semanage did not run", err)
			}
			if !result.Succeeded() {
				stderr := strings.TrimSpace(result.Stderr)
				if strings.Contains(stderr, "already defined") {
					return nil
				}
				return engine.NewTransientError(
					fmt.Sprintf("semanage port %s failed: %s", verb, stderr), nil)
			}
			return nil
		},
		Postcondition: func(fact engine.Fact) bool {
			return h.Matches(fact, target)
		},
	}, nil
}

// parseGetsebool parses "name --> on" output.
func parseGetsebool(out string) (string, bool) {
	_, value, found := strings.Cut(out, "-->")
	if !found {
		return "", false
	}
	state := strings.TrimSpace(value)
	if state != SELinuxBoolOn && state != SELinuxBoolOff {
		return "", false
	}
	return state, true
}

// findPortLabel searches semanage port -l output for a port number and
// returns its type and protocol.
func findPortLabel(out, port string) (setype, proto string) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Format: http_port_t  tcp  80, 81, 443, 488, 8008, 8009, 8443, 9000
		ports := strings.Join(fields[2:], " ")
		for _, p := range strings.Split(ports, ",") {
			if strings.TrimSpace(p) == port {
				return fields[0], fields[1]
			}
		}
	}
	return "", ""
}
