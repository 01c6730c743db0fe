package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Document is the on-disk desired state format, shared by the YAML, CUE and
// Starlark front ends.
type Document struct {
	// Version is the document format version.
	Version string `json:"version" yaml:"version" validate:"required,eq=1"`

	// Settings are the run-level tunables. Zero values take engine defaults.
	Settings SettingsDoc `json:"settings" yaml:"settings"`

	// Resources declare the managed resources and their targets.
	Resources []ResourceDoc `json:"resources" yaml:"resources" validate:"required,min=1,dive"`
}

// SettingsDoc mirrors engine.Settings with serialized durations.
type SettingsDoc struct {
	// MaxRetries is the per-action attempt budget.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0"`

	// MaxCycles is the reconciliation cycle budget.
	MaxCycles int `json:"max_cycles,omitempty" yaml:"max_cycles,omitempty" validate:"gte=0"`

	// BackoffBase is the retry backoff base delay (e.g., "2s").
	BackoffBase string `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`

	// BackoffCap is the retry backoff ceiling (e.g., "30s").
	BackoffCap string `json:"backoff_cap,omitempty" yaml:"backoff_cap,omitempty"`

	// MaxParallel bounds the worker pool.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"gte=0"`

	// AllowDestructive permits destructive actions to plan.
	AllowDestructive bool `json:"allow_destructive,omitempty" yaml:"allow_destructive,omitempty"`

	// LeasePath overrides the environment lease file location.
	LeasePath string `json:"lease_path,omitempty" yaml:"lease_path,omitempty"`
}

// ResourceDoc declares one managed resource and its target state.
type ResourceDoc struct {
	// Kind is the resource kind.
	Kind string `json:"kind" yaml:"kind" validate:"required"`

	// Name is the resource name within its kind.
	Name string `json:"name" yaml:"name" validate:"required"`

	// State is the target state token.
	State string `json:"state" yaml:"state" validate:"required"`

	// Owner pins the owning process for bound resources.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// Params carries kind-specific parameters.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	// ContinueOnFailure lets the run proceed past failures on this resource.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`

	// MaxRetries overrides the run-level retry budget for this resource.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

var validate = validator.New()

// Validate checks the document structurally and semantically.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid desired state document: %w", err)
	}

	for i, r := range d.Resources {
		kind := engine.ResourceKind(r.Kind)
		if err := kind.Validate(); err != nil {
			return fmt.Errorf("resource %d (%s/%s): %w", i, r.Kind, r.Name, err)
		}
	}
	return nil
}

// ToDesiredState converts a validated document to the engine's model,
// filling unset settings with engine defaults.
func (d *Document) ToDesiredState() (*engine.DesiredState, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	settings := engine.DefaultSettings()
	if d.Settings.MaxRetries > 0 {
		settings.MaxRetries = d.Settings.MaxRetries
	}
	if d.Settings.MaxCycles > 0 {
		settings.MaxCycles = d.Settings.MaxCycles
	}
	if d.Settings.MaxParallel > 0 {
		settings.MaxParallel = d.Settings.MaxParallel
	}
	if d.Settings.LeasePath != "" {
		settings.LeasePath = d.Settings.LeasePath
	}
	settings.AllowDestructive = d.Settings.AllowDestructive

	if d.Settings.BackoffBase != "" {
		base, err := time.ParseDuration(d.Settings.BackoffBase)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff_base: %w", err)
		}
		settings.BackoffBase = base
	}
	if d.Settings.BackoffCap != "" {
		capDur, err := time.ParseDuration(d.Settings.BackoffCap)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff_cap: %w", err)
		}
		settings.BackoffCap = capDur
	}

	specs := make([]engine.ResourceSpec, 0, len(d.Resources))
	for _, r := range d.Resources {
		specs = append(specs, engine.ResourceSpec{
			Resource: engine.Resource{
				Kind: engine.ResourceKind(r.Kind),
				Name: r.Name,
			},
			Target: engine.TargetState{
				State:  r.State,
				Owner:  r.Owner,
				Params: r.Params,
			},
			ContinueOnFailure: r.ContinueOnFailure,
			MaxRetries:        r.MaxRetries,
		})
	}

	return &engine.DesiredState{
		Resources: specs,
		Settings:  settings,
	}, nil
}
