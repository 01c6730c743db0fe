package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Port states.
const (
	PortStateFree  = "free"
	PortStateBound = "bound"
)

// portHandler probes TCP listen ports via lsof, falling back to ss.
type portHandler struct {
	runner transports.Runner
}

func newPortHandler(runner transports.Runner) *portHandler {
	return &portHandler{runner: runner}
}

func (h *portHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("lsof"); err == nil {
		return h.probeLsof(ctx, name)
	}
	if _, err := h.runner.LookPath("ss"); err == nil {
		return h.probeSS(ctx, name)
	}
	return engine.Fact{}, probeUnavailable("lsof/ss", nil)
}

func (h *portHandler) probeLsof(ctx context.Context, port string) (engine.Fact, error) {
	// Field output: one process per p/c/L group.
	result, err := h.runner.Run(ctx, "lsof",
		"-nP", "-iTCP:"+port, "-sTCP:LISTEN", "-FpcL")
	if err != nil {
		return engine.Fact{}, probeUnavailable("lsof", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "lsof",
	}

	// lsof exits 1 when nothing matches.
	if !result.Succeeded() || strings.TrimSpace(result.Stdout) == "" {
		fact.State = PortStateFree
		return fact, nil
	}

	owner, pids, user := parseLsofFields(result.Stdout)
	fact.State = PortStateBound
	fact.Owner = owner
	fact.Details = map[string]string{"pids": strings.Join(pids, ",")}
	if user != "" {
		fact.Details["user"] = user
	}
	return fact, nil
}

func (h *portHandler) probeSS(ctx context.Context, port string) (engine.Fact, error) {
	result, err := h.runner.Run(ctx, "ss", "-ltnpH", "sport = :"+port)
	if err != nil {
		return engine.Fact{}, probeUnavailable("ss", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "ss",
	}

	owner, pids := parseSSOutput(result.Stdout)
	if owner == "" && len(pids) == 0 && strings.TrimSpace(result.Stdout) == "" {
		fact.State = PortStateFree
		return fact, nil
	}

	fact.State = PortStateBound
	fact.Owner = owner
	fact.Details = map[string]string{"pids": strings.Join(pids, ",")}
	return fact, nil
}

func (h *portHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	return matchesStateAndOwner(fact, target)
}

func (h *portHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) (*engine.Action, error) {
	switch target.State {
	case PortStateFree:
		return h.freePortAction(resource, target, observed), nil

	case PortStateBound:
		// A port cannot be bound directly; its owning service does that.
		// The only remediation is evicting a squatter so the owner can bind.
		return h.evictSquatterAction(resource, target, observed), nil

	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for port", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *portHandler) freePortAction(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) *engine.Action {
	return &engine.Action{
		Name:     "free-port",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State == PortStateBound
		},
		Apply: func(ctx context.Context) error {
			return h.killListeners(ctx, resource.Name, observed)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == PortStateFree
		},
	}
}

func (h *portHandler) evictSquatterAction(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) *engine.Action {
	return &engine.Action{
		Name:     "evict-port-squatter",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State == PortStateBound && target.Owner != "" && fact.Owner != target.Owner
		},
		Apply: func(ctx context.Context) error {
			return h.killListeners(ctx, resource.Name, observed)
		},
		Postcondition: func(fact engine.Fact) bool {
			return matchesStateAndOwner(fact, target) || fact.State == PortStateFree
		},
	}
}

// killListeners terminates the processes listening on a port: SIGTERM
// first, SIGKILL for survivors.
func (h *portHandler) killListeners(ctx context.Context, port string, observed engine.Fact) error {
	pids := splitPids(observed.Details["pids"])
	if len(pids) == 0 {
		// The fact is stale; re-probe for the current listeners.
		fact, err := h.Probe(ctx, port)
		if err != nil {
			return err
		}
		if fact.State == PortStateFree {
			return nil
		}
		pids = splitPids(fact.Details["pids"])
	}
	if len(pids) == 0 {
		return engine.NewTransientError(
			fmt.Sprintf("port %s is bound but no owning pids were found", port), nil)
	}

	args := append([]string{"-TERM"}, pids...)
	if _, err := h.runner.Run(ctx, "kill", args...); err != nil {
		return engine.NewTransientError("failed to signal listeners", err)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	fact, err := h.Probe(ctx, port)
	if err != nil {
		return err
	}
	if fact.State == PortStateFree {
		return nil
	}

	survivors := splitPids(fact.Details["pids"])
	if len(survivors) == 0 {
		survivors = pids
	}
	args = append([]string{"-KILL"}, survivors...)
	if _, err := h.runner.Run(ctx, "kill", args...); err != nil {
		return engine.NewTransientError("failed to kill listeners", err)
	}
	return nil
}

// parseLsofFields parses lsof -F output (p=pid, c=command, L=user lines).
func parseLsofFields(out string) (owner string, pids []string, user string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			pids = append(pids, line[1:])
		case 'c':
			if owner == "" {
				owner = line[1:]
			}
		case 'L':
			if user == "" {
				user = line[1:]
			}
		}
	}
	return owner, pids, user
}

// parseSSOutput parses ss -ltnpH lines, extracting the process name and
// pids from the users:(("nginx",pid=123,fd=6)) column.
func parseSSOutput(out string) (owner string, pids []string) {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "users:((")
		if idx < 0 {
			continue
		}
		procs := line[idx+len("users:(("):]

		for _, part := range strings.Split(procs, "(") {
			quoted := strings.SplitN(part, "\"", 3)
			if len(quoted) >= 2 && owner == "" {
				owner = quoted[1]
			}
			for _, field := range strings.Split(part, ",") {
				field = strings.TrimSpace(field)
				if pid, ok := strings.CutPrefix(field, "pid="); ok {
					pids = append(pids, strings.Trim(pid, "))"))
				}
			}
		}
	}
	return owner, pids
}

func splitPids(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
