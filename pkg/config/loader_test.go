package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

const validYAML = `
version: "1"
settings:
  max_retries: 2
  max_cycles: 3
  backoff_base: 1s
  allow_destructive: false
resources:
  - kind: service
    name: httpd
    state: stopped
  - kind: service
    name: nginx
    state: running
  - kind: port
    name: "9090"
    state: bound
    owner: nginx
  - kind: helm-release
    name: ml-api
    state: deployed
    params:
      chart: ./charts/ml-api
      namespace: mlops
`

func TestParseYAML_Valid(t *testing.T) {
	desired, err := ParseYAML([]byte(validYAML))
	if err != nil {
		t.Fatalf("Expected parse to succeed, got: %v", err)
	}

	if len(desired.Resources) != 4 {
		t.Fatalf("Expected 4 resources, got %d", len(desired.Resources))
	}

	if desired.Settings.MaxRetries != 2 {
		t.Errorf("Expected max retries 2, got %d", desired.Settings.MaxRetries)
	}
	if desired.Settings.MaxCycles != 3 {
		t.Errorf("Expected max cycles 3, got %d", desired.Settings.MaxCycles)
	}
	if desired.Settings.BackoffBase != time.Second {
		t.Errorf("Expected backoff base 1s, got %v", desired.Settings.BackoffBase)
	}

	// Unset settings take engine defaults.
	if desired.Settings.BackoffCap != 30*time.Second {
		t.Errorf("Expected default backoff cap, got %v", desired.Settings.BackoffCap)
	}

	port := desired.Resources[2]
	if port.Resource.Kind != engine.KindPort || port.Resource.Name != "9090" {
		t.Errorf("Expected port/9090, got %s", port.Resource.ID())
	}
	if port.Target.Owner != "nginx" {
		t.Errorf("Expected port owner nginx, got %s", port.Target.Owner)
	}

	release := desired.Resources[3]
	if release.Target.Params["chart"] != "./charts/ml-api" {
		t.Errorf("Expected chart param, got %v", release.Target.Params)
	}
}

func TestParseYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no resources", "version: \"1\"\nresources: []\n"},
		{"missing version", "resources:\n  - kind: service\n    name: nginx\n    state: running\n"},
		{"unknown kind", "version: \"1\"\nresources:\n  - kind: vm\n    name: x\n    state: running\n"},
		{"missing state", "version: \"1\"\nresources:\n  - kind: service\n    name: nginx\n"},
		{"unknown field", "version: \"1\"\nbogus: true\nresources:\n  - kind: service\n    name: nginx\n    state: running\n"},
		{"bad backoff", "version: \"1\"\nsettings:\n  backoff_base: soon\nresources:\n  - kind: service\n    name: nginx\n    state: running\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseYAML([]byte(tt.yaml)); err == nil {
				t.Error("Expected parse error, got nil")
			}
		})
	}
}

func TestCUEParser_Valid(t *testing.T) {
	src := `
version: "1"
settings: {
	max_cycles: 4
}
resources: [
	{
		kind:  "minikube-cluster"
		name:  "minikube"
		state: "running"
		params: {driver: "docker"}
	},
	{
		kind:  "k8s-namespace"
		name:  "mlops"
		state: "present"
	},
]
`
	desired, err := NewCUEParser().Parse([]byte(src))
	if err != nil {
		t.Fatalf("Expected parse to succeed, got: %v", err)
	}

	if len(desired.Resources) != 2 {
		t.Fatalf("Expected 2 resources, got %d", len(desired.Resources))
	}
	if desired.Settings.MaxCycles != 4 {
		t.Errorf("Expected max cycles 4, got %d", desired.Settings.MaxCycles)
	}
	if desired.Resources[0].Target.Params["driver"] != "docker" {
		t.Errorf("Expected driver param, got %v", desired.Resources[0].Target.Params)
	}
}

func TestCUEParser_SchemaViolation(t *testing.T) {
	src := `
version: "1"
resources: [
	{
		kind:  "service"
		name:  "nginx"
		state: 42
	},
]
`
	if _, err := NewCUEParser().Parse([]byte(src)); err == nil {
		t.Error("Expected schema violation error, got nil")
	}
}

func TestCUEParser_CompileError(t *testing.T) {
	if _, err := NewCUEParser().Parse([]byte("resources: [")); err == nil {
		t.Error("Expected compile error, got nil")
	}
}

func TestStarlarkEvaluator_Valid(t *testing.T) {
	src := `
ports = ["9090", "30080"]

def port_resource(p):
    return {
        "kind": "port",
        "name": p,
        "state": "free",
    }

desired = {
    "version": "1",
    "settings": {"max_cycles": 2},
    "resources": [port_resource(p) for p in ports],
}
`
	desired, err := NewStarlarkEvaluator(0).Eval("deploy.star", []byte(src))
	if err != nil {
		t.Fatalf("Expected eval to succeed, got: %v", err)
	}

	if len(desired.Resources) != 2 {
		t.Fatalf("Expected 2 resources, got %d", len(desired.Resources))
	}
	if desired.Resources[1].Resource.Name != "30080" {
		t.Errorf("Expected generated port 30080, got %s", desired.Resources[1].Resource.Name)
	}
	if desired.Settings.MaxCycles != 2 {
		t.Errorf("Expected max cycles 2, got %d", desired.Settings.MaxCycles)
	}
}

func TestStarlarkEvaluator_MissingDesiredGlobal(t *testing.T) {
	if _, err := NewStarlarkEvaluator(0).Eval("x.star", []byte("a = 1\n")); err == nil {
		t.Error("Expected error for missing desired global, got nil")
	}
}

func TestStarlarkEvaluator_SyntaxError(t *testing.T) {
	if _, err := NewStarlarkEvaluator(0).Eval("x.star", []byte("def broken(\n")); err == nil {
		t.Error("Expected syntax error, got nil")
	}
}

func TestLoad_DispatchesByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(yamlPath, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	desired, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Expected load to succeed, got: %v", err)
	}
	if len(desired.Resources) != 4 {
		t.Errorf("Expected 4 resources, got %d", len(desired.Resources))
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for unsupported extension, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/deploy.yaml"); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

// The shipped deploy scenario exists in YAML and Starlark form; both must
// load to the same desired state.
func TestLoad_DeployScenarioFormatsAgree(t *testing.T) {
	fromYAML, err := Load(filepath.Join("..", "..", "examples", "deploy.yaml"))
	if err != nil {
		t.Fatalf("Failed to load YAML scenario: %v", err)
	}
	fromStar, err := Load(filepath.Join("..", "..", "examples", "deploy.star"))
	if err != nil {
		t.Fatalf("Failed to load Starlark scenario: %v", err)
	}

	if fromYAML.Settings != fromStar.Settings {
		t.Errorf("Expected identical settings, got %+v vs %+v",
			fromYAML.Settings, fromStar.Settings)
	}
	if !reflect.DeepEqual(fromYAML.Resources, fromStar.Resources) {
		t.Errorf("Expected identical resources, got %+v vs %+v",
			fromYAML.Resources, fromStar.Resources)
	}
}
