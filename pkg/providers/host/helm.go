package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Helm release states.
const (
	HelmReleaseDeployed = "deployed"
	HelmReleaseAbsent   = "absent"
)

// helmHandler probes and manages Helm releases.
// The release namespace comes from the target's params; probes without a
// namespace check the default namespace.
type helmHandler struct {
	runner transports.Runner

	// namespaces remembers the namespace per release name, learned from
	// targets, so probes query the right place.
	mu         sync.Mutex
	namespaces map[string]string
}

func newHelmHandler(runner transports.Runner) *helmHandler {
	return &helmHandler{
		runner:     runner,
		namespaces: make(map[string]string),
	}
}

// helmStatus is the subset of helm status -o json the probe reads.
type helmStatus struct {
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
	Chart struct {
		Metadata struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"metadata"`
	} `json:"chart"`
	Version int `json:"version"`
}

func (h *helmHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	if _, err := h.runner.LookPath("helm"); err != nil {
		return engine.Fact{}, probeUnavailable("helm", err)
	}

	args := []string{"status", name, "-o", "json"}
	h.mu.Lock()
	ns := h.namespaces[name]
	h.mu.Unlock()
	if ns != "" {
		args = append(args, "-n", ns)
	}

	result, err := h.runner.Run(ctx, "helm", args...)
	if err != nil {
		return engine.Fact{}, probeUnavailable("helm", err)
	}

	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "helm",
	}

	if !result.Succeeded() {
		if strings.Contains(result.Stderr, "not found") {
			fact.State = HelmReleaseAbsent
			return fact, nil
		}
		return engine.Fact{}, engine.NewPermanentError(
			fmt.Sprintf("helm cannot query release %s: %s", name, strings.TrimSpace(result.Stderr)),
			nil,
		).WithCode(engine.ErrCodeProbeUnavailable)
	}

	var status helmStatus
	if err := json.Unmarshal([]byte(result.Stdout), &status); err != nil {
		return engine.Fact{}, engine.NewPermanentError(
			"unparseable helm status output", err,
		).WithCode(engine.ErrCodeProbeUnavailable)
	}

	if status.Info.Status == "deployed" {
		fact.State = HelmReleaseDeployed
	} else {
		// pending-install, failed, uninstalling: not converged, and the
		// remediation (upgrade --install) is the same as for absent.
		fact.State = status.Info.Status
	}
	fact.Details = map[string]string{
		"chart":    status.Chart.Metadata.Name,
		"version":  status.Chart.Metadata.Version,
		"revision": fmt.Sprintf("%d", status.Version),
	}
	return fact, nil
}

func (h *helmHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	h.rememberNamespace(fact.Resource.Name, target)
	return matchesStateAndOwner(fact, target)
}

func (h *helmHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	_ engine.Fact,
) (*engine.Action, error) {
	h.rememberNamespace(resource.Name, target)

	switch target.State {
	case HelmReleaseDeployed:
		chart := target.Params["chart"]
		if chart == "" {
			return nil, engine.NewPermanentError(
				"helm release target requires a chart param", nil,
			).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
		}
		return h.deployAction(resource, target, chart), nil

	case HelmReleaseAbsent:
		return h.uninstallAction(resource, target), nil

	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for helm release", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *helmHandler) deployAction(
	resource engine.Resource,
	target engine.TargetState,
	chart string,
) *engine.Action {
	return &engine.Action{
		Name:     "deploy-release",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State != HelmReleaseDeployed
		},
		Apply: func(ctx context.Context) error {
			// upgrade --install is idempotent over both fresh installs
			// and failed releases.
			args := []string{"upgrade", "--install", resource.Name, chart, "--wait"}
			if ns := target.Params["namespace"]; ns != "" {
				args = append(args, "-n", ns)
			}
			if values := target.Params["values"]; values != "" {
				args = append(args, "-f", values)
			}
			if version := target.Params["version"]; version != "" {
				args = append(args, "--version", version)
			}
			return h.helm(ctx, args...)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == HelmReleaseDeployed
		},
	}
}

func (h *helmHandler) uninstallAction(resource engine.Resource, target engine.TargetState) *engine.Action {
	return &engine.Action{
		Name:        "uninstall-release",
		Resource:    resource,
		Destructive: true,
		Precondition: func(fact engine.Fact) bool {
			return fact.State != HelmReleaseAbsent
		},
		Apply: func(ctx context.Context) error {
			args := []string{"uninstall", resource.Name, "--wait"}
			if ns := target.Params["namespace"]; ns != "" {
				args = append(args, "-n", ns)
			}
			return h.helm(ctx, args...)
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == HelmReleaseAbsent
		},
	}
}

func (h *helmHandler) helm(ctx context.Context, args ...string) error {
	result, err := h.runner.Run(ctx, "helm", args...)
	if err != nil {
		return engine.NewTransientError("helm did not run", err)
	}
	if !result.Succeeded() {
		return engine.NewTransientError(
			fmt.Sprintf("helm %s failed: %s", args[0], strings.TrimSpace(result.Stderr)), nil)
	}
	return nil
}

func (h *helmHandler) rememberNamespace(release string, target engine.TargetState) {
	if ns := target.Params["namespace"]; ns != "" {
		h.mu.Lock()
		h.namespaces[release] = ns
		h.mu.Unlock()
	}
}
