// Package host implements the built-in backend for Linux deployment hosts.
//
// The backend probes and remediates the resource kinds involved in running
// a containerized service behind a reverse proxy: listen ports, OS services,
// SELinux policy, the Minikube cluster, Kubernetes namespaces, Helm releases
// and filesystem paths. All inspection goes through the standard tools
// (lsof, ss, systemctl, getsebool, semanage, kubectl, helm, minikube) via a
// transports.Runner, so the same backend works locally and over SSH.
package host

import (
	"context"
	"fmt"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
	"github.com/openconverge/openconverge/pkg/transports"
)

// kindHandler probes and remediates one resource kind.
type kindHandler interface {
	// Probe observes the current state of one resource of this kind.
	Probe(ctx context.Context, name string) (engine.Fact, error)

	// Matches reports whether an observed fact satisfies a target state.
	Matches(fact engine.Fact, target engine.TargetState) bool

	// ActionFor returns the remediation action for a mismatched resource.
	ActionFor(resource engine.Resource, target engine.TargetState, observed engine.Fact) (*engine.Action, error)
}

// Backend implements engine.Backend for a Linux host.
type Backend struct {
	runner   transports.Runner
	logger   *telemetry.Logger
	handlers map[engine.ResourceKind]kindHandler
}

// NewBackend creates a host backend over a runner.
func NewBackend(runner transports.Runner, logger *telemetry.Logger) *Backend {
	log := logger.NewComponentLogger("host-backend")

	return &Backend{
		runner: runner,
		logger: log,
		handlers: map[engine.ResourceKind]kindHandler{
			engine.KindPort:           newPortHandler(runner),
			engine.KindService:        newServiceHandler(runner),
			engine.KindSELinuxBoolean: newSELinuxBooleanHandler(runner),
			engine.KindSELinuxPort:    newSELinuxPortHandler(runner),
			engine.KindNamespace:      newNamespaceHandler(runner),
			engine.KindHelmRelease:    newHelmHandler(runner),
			engine.KindPath:           newPathHandler(runner),
			engine.KindCluster:        newClusterHandler(runner),
		},
	}
}

// Probe observes the current state of a resource.
func (b *Backend) Probe(ctx context.Context, resource engine.Resource) (engine.Fact, error) {
	handler, err := b.handlerFor(resource.Kind)
	if err != nil {
		return engine.Fact{}, err
	}

	fact, err := handler.Probe(ctx, resource.Name)
	if err != nil {
		return engine.Fact{}, err
	}

	fact.Resource = resource
	b.logger.WithResourceID(resource.ID()).
		WithField("state", fact.State).
		Debug("probed")
	return fact, nil
}

// Matches reports whether an observed fact satisfies a target state.
func (b *Backend) Matches(resource engine.Resource, fact engine.Fact, target engine.TargetState) bool {
	handler, err := b.handlerFor(resource.Kind)
	if err != nil {
		return false
	}
	return handler.Matches(fact, target)
}

// ActionFor returns the action that establishes the target state.
func (b *Backend) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	observed engine.Fact,
) (*engine.Action, error) {
	handler, err := b.handlerFor(resource.Kind)
	if err != nil {
		return nil, err
	}
	return handler.ActionFor(resource, target, observed)
}

// Kinds returns the resource kinds this backend manages.
func (b *Backend) Kinds() []engine.ResourceKind {
	kinds := make([]engine.ResourceKind, 0, len(b.handlers))
	for kind := range b.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (b *Backend) handlerFor(kind engine.ResourceKind) (kindHandler, error) {
	handler, ok := b.handlers[kind]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported resource kind %q", kind), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return handler, nil
}

// matchesStateAndOwner is the default target match: state token equality
// plus owner equality when the target pins an owner.
func matchesStateAndOwner(fact engine.Fact, target engine.TargetState) bool {
	if fact.State != target.State {
		return false
	}
	if target.Owner != "" && fact.Owner != target.Owner {
		return false
	}
	return true
}

// probeUnavailable builds the error for a missing inspection mechanism.
func probeUnavailable(tool string, err error) error {
	return engine.NewPermanentError(
		fmt.Sprintf("inspection tool %s is unavailable", tool), err,
	).WithCode(engine.ErrCodeProbeUnavailable)
}
