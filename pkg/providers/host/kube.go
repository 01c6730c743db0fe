package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Namespace states.
const (
	NamespacePresent = "present"
	NamespaceAbsent  = "absent"
)

// namespaceHandler probes and manages Kubernetes namespaces via kubectl.
type namespaceHandler struct {
	runner transports.Runner
}

func newNamespaceHandler(runner transports.Runner) *namespaceHandler {
	return &namespaceHandler{runner: runner}
}

func (h *namespaceHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("kubectl"); err != nil {
		return engine.Fact{}, probeUnavailable("kubectl", err)
	}

	result, err := h.runner.Run(ctx, "kubectl", "get", "namespace", name,
		"-o", "jsonpath={.status.phase}")
	if err != nil {
		return engine.Fact{}, probeUnavailable("kubectl", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "kubectl",
	}

	if result.Succeeded() {
		fact.State = NamespacePresent
		if phase := strings.TrimSpace(result.Stdout); phase != "" {
			fact.Details = map[string]string{"phase": phase}
		}
		return fact, nil
	}

	// A missing namespace is an absent resource. Anything else means the
	// API server is unreachable and the environment cannot be observed.
	if strings.Contains(result.Stderr, "NotFound") {
		fact.State = NamespaceAbsent
		return fact, nil
	}

	return engine.Fact{}, engine.NewPermanentError(
		fmt.Sprintf("kubectl cannot reach the cluster: %s", strings.TrimSpace(result.Stderr)),
		nil,
	).WithCode(engine.ErrCodeProbeUnavailable)
}

func (h *namespaceHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	return matchesStateAndOwner(fact, target)
}

func (h *namespaceHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	_ engine.Fact,
) (*engine.Action, error) {
	switch target.State {
	case NamespacePresent:
		return &engine.Action{
			Name:     "create-namespace",
			Resource: resource,
			Precondition: func(fact engine.Fact) bool {
				return fact.State == NamespaceAbsent
			},
			Apply: func(ctx context.Context) error {
				return h.kubectl(ctx, "create", "namespace", resource.Name)
			},
			Postcondition: func(fact engine.Fact) bool {
				return fact.State == NamespacePresent
			},
		}, nil

	case NamespaceAbsent:
		return &engine.Action{
			Name:        "delete-namespace",
			Resource:    resource,
			Destructive: true,
			Precondition: func(fact engine.Fact) bool {
				return fact.State == NamespacePresent
			},
			Apply: func(ctx context.Context) error {
				return h.kubectl(ctx, "delete", "namespace", resource.Name, "--wait=true")
			},
			Postcondition: func(fact engine.Fact) bool {
				return fact.State == NamespaceAbsent
			},
		}, nil

	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for namespace", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *namespaceHandler) kubectl(ctx context.Context, args ...string) error {
	result, err := h.runner.Run(ctx, "kubectl", args...)
	if err != nil {
		return engine.NewTransientError("kubectl did not run", err)
	}
	if !result.Succeeded() {
		stderr := strings.TrimSpace(result.Stderr)
		if strings.Contains(stderr, "AlreadyExists") {
			return nil
		}
		return engine.NewTransientError(
			fmt.Sprintf("kubectl %s failed: %s", strings.Join(args, " "), stderr), nil)
	}
	return nil
}
