package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Cluster states.
const (
	ClusterRunning = "running"
	ClusterStopped = "stopped"
	ClusterDeleted = "deleted"
)

// clusterHandler probes and manages a local Minikube cluster. The resource
// name is the Minikube profile.
type clusterHandler struct {
	runner transports.Runner
}

func newClusterHandler(runner transports.Runner) *clusterHandler {
	return &clusterHandler{runner: runner}
}

// minikubeStatus is the subset of minikube status -o json the probe reads.
type minikubeStatus struct {
	Host    string `json:"Host"`
	Kubelet string `json:"Kubelet"`
}

func (h *clusterHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("minikube"); err != nil {
		return engine.Fact{}, probeUnavailable("minikube", err)
	}

	result, err := h.runner.Run(ctx, "minikube", "status", "-p", name, "-o", "json")
	if err != nil {
		return engine.Fact{}, probeUnavailable("minikube", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "minikube",
	}

	// minikube status exits non-zero for stopped and missing profiles;
	// the JSON (or stderr) tells them apart.
	combined := result.Stdout + result.Stderr
	if strings.Contains(combined, "not found") ||
		strings.Contains(combined, "Nonexistent") {
		fact.State = ClusterDeleted
		return fact, nil
	}

	var status minikubeStatus
	if err := json.Unmarshal(firstJSONObject(result.Stdout), &status); err == nil {
		fact.Details = map[string]string{
			"host":    status.Host,
			"kubelet": status.Kubelet,
		}
		if status.Host == "Running" && status.Kubelet == "Running" {
			fact.State = ClusterRunning
		} else {
			fact.State = ClusterStopped
		}
		return fact, nil
	}

	if result.Succeeded() {
		fact.State = ClusterRunning
		return fact, nil
	}
	fact.State = ClusterStopped
	return fact, nil
}

func (h *clusterHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	return matchesStateAndOwner(fact, target)
}

func (h *clusterHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	_ engine.Fact,
) (*engine.Action, error) {
	switch target.State {
	case ClusterRunning:
		return h.startAction(resource, target), nil

	case ClusterStopped:
		return &engine.Action{
			Name:     "stop-cluster",
			Resource: resource,
			Precondition: func(fact engine.Fact) bool {
				return fact.State == ClusterRunning
			},
			Apply: func(ctx context.Context) error {
				return h.minikube(ctx, "stop", "-p", resource.Name)
			},
			Postcondition: func(fact engine.Fact) bool {
				return fact.State == ClusterStopped || fact.State == ClusterDeleted
			},
		}, nil

	case ClusterDeleted:
		return &engine.Action{
			Name:        "delete-cluster",
			Resource:    resource,
			Destructive: true,
			Precondition: func(fact engine.Fact) bool {
				return fact.State != ClusterDeleted
			},
			Apply: func(ctx context.Context) error {
				return h.minikube(ctx, "delete", "-p", resource.Name)
			},
			Postcondition: func(fact engine.Fact) bool {
				return fact.State == ClusterDeleted
			},
		}, nil

	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for cluster", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *clusterHandler) startAction(resource engine.Resource, target engine.TargetState) *engine.Action {
	return &engine.Action{
		Name:     "start-cluster",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State != ClusterRunning
		},
		Apply: func(ctx context.Context) error {
			args := []string{"start", "-p", resource.Name}
			if driver := target.Params["driver"]; driver != "" {
				args = append(args, "--driver", driver)
			}
			if memory := target.Params["memory"]; memory != "" {
				args = append(args, "--memory", memory)
			}
			if cpus := target.Params["cpus"]; cpus != "" {
				args = append(args, "--cpus", cpus)
			}
			return h.minikube(ctx, args...)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == ClusterRunning
		},
	}
}

func (h *clusterHandler) minikube(ctx context.Context, args ...string) error {
	result, err := h.runner.Run(ctx, "minikube", args...)
	if err != nil {
		return engine.NewTransientError("minikube did not run", err)
	}
	if !result.Succeeded() {
		return engine.NewTransientError(
			fmt.Sprintf("minikube %s failed: %s", args[0], strings.TrimSpace(result.Stderr)), nil)
	}
	return nil
}

// firstJSONObject extracts the first top-level JSON object from output that
// may carry warnings around it.
func firstJSONObject(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil
	}
	return []byte(s[start : end+1])
}
