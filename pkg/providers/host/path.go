package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/transports"
)

// Path states.
const (
	PathPresent = "present"
	PathAbsent  = "absent"
)

// pathHandler probes and manages filesystem paths, typically reverse proxy
// config files and Helm values files.
type pathHandler struct {
	runner transports.Runner
}

func newPathHandler(runner transports.Runner) *pathHandler {
	return &pathHandler{runner: runner}
}

func (h *pathHandler) Probe(ctx context.Context, name string) (engine.Fact, error) {
	fact := engine.Fact{
		ObservedAt: time.Now().UTC(),
		Source:     "stat",
	}

	exists, err := h.runner.Exists(ctx, name)
	if err != nil {
		return engine.Fact{}, probeUnavailable("stat", err)
	}
	if !exists {
		fact.State = PathAbsent
		return fact, nil
	}

	fact.State = PathPresent

	data, err := h.runner.ReadFile(ctx, name)
	if err == nil {
		sum := sha256.Sum256(data)
		fact.Details = map[string]string{
			"sha256": hex.EncodeToString(sum[:]),
			"size":   strconv.Itoa(len(data)),
		}
	}
	return fact, nil
}

func (h *pathHandler) Matches(fact engine.Fact, target engine.TargetState) bool {
	if fact.State != target.State {
		return false
	}
	// A present target with declared content also pins the file's hash.
	if content := target.Params["content"]; content != "" && target.State == PathPresent {
		sum := sha256.Sum256([]byte(content))
		return fact.Details["sha256"] == hex.EncodeToString(sum[:])
	}
	return true
}

func (h *pathHandler) ActionFor(
	resource engine.Resource,
	target engine.TargetState,
	_ engine.Fact,
) (*engine.Action, error) {
	switch target.State {
	case PathPresent:
		return h.writeAction(resource, target), nil
	case PathAbsent:
		return h.removeAction(resource), nil
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown target state %q for path", target.State), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
	}
}

func (h *pathHandler) writeAction(resource engine.Resource, target engine.TargetState) *engine.Action {
	return &engine.Action{
		Name:     "write-path",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return !h.Matches(fact, target)
		},
		Apply: func(ctx context.Context) error {
			mode := fs.FileMode(0o644)
			if m := target.Params["mode"]; m != "" {
				parsed, err := strconv.ParseUint(m, 8, 32)
				if err != nil {
					return engine.NewPermanentError(
						fmt.Sprintf("invalid file mode %q", m), err,
					).WithCode(engine.ErrCodeValidation).WithResource(resource.ID())
				}
				mode = fs.FileMode(parsed)
			}
			content := []byte(target.Params["content"])
			if err := h.runner.WriteFile(ctx, resource.Name, content, mode); err != nil {
				return engine.NewTransientError(
					fmt.Sprintf("failed to write %s", resource.Name), err)
			}
			return nil
		},
		Postcondition: func(fact engine.Fact) bool {
			return h.Matches(fact, target)
		},
	}
}

func (h *pathHandler) removeAction(resource engine.Resource) *engine.Action {
	return &engine.Action{
		Name:     "remove-path",
		Resource: resource,
		Precondition: func(fact engine.Fact) bool {
			return fact.State == PathPresent
		},
		Apply: func(ctx context.Context) error {
			if err := h.runner.Remove(ctx, resource.Name); err != nil {
				return engine.NewTransientError(
					fmt.Sprintf("failed to remove %s", resource.Name), err)
			}
			return nil
		},
		Postcondition: func(fact engine.Fact) bool {
			return fact.State == PathAbsent
		},
	}
}
