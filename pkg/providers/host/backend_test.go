package host

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
	"github.com/openconverge/openconverge/pkg/transports"
)

// fakeRunner returns scripted results keyed by the full command line and
// records every invocation.
type fakeRunner struct {
	mu sync.Mutex

	// results maps "name arg1 arg2" to the scripted result
	results map[string]transports.Result

	// errs maps command lines to execution errors
	errs map[string]error

	// missing lists tools LookPath cannot resolve
	missing map[string]bool

	// files is the fake filesystem
	files map[string][]byte

	// calls records executed command lines in order
	calls []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]transports.Result),
		errs:    make(map[string]error),
		missing: make(map[string]bool),
		files:   make(map[string][]byte),
	}
}

func (f *fakeRunner) script(cmdline string, result transports.Result) {
	f.results[cmdline] = result
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (transports.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, cmdline)

	if err, ok := f.errs[cmdline]; ok {
		return transports.Result{}, err
	}
	if result, ok := f.results[cmdline]; ok {
		return result, nil
	}
	return transports.Result{}, fmt.Errorf("unscripted command: %s", cmdline)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("%s not found", name)
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (f *fakeRunner) WriteFile(_ context.Context, path string, data []byte, _ fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeRunner) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeRunner) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeRunner) calledWith(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func testBackend(t *testing.T, runner transports.Runner) *Backend {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewBackend(runner, logger)
}

func TestBackend_Probe_UnknownKind(t *testing.T) {
	backend := testBackend(t, newFakeRunner())

	_, err := backend.Probe(context.Background(), engine.Resource{Kind: "vm", Name: "x"})
	if err == nil {
		t.Fatal("Expected error for unknown kind")
	}
}

func TestBackend_Kinds(t *testing.T) {
	backend := testBackend(t, newFakeRunner())

	if got := len(backend.Kinds()); got != 8 {
		t.Errorf("Expected 8 managed kinds, got %d", got)
	}
}

func TestPortHandler_Probe_Bound(t *testing.T) {
	runner := newFakeRunner()
	runner.script("lsof -nP -iTCP:9090 -sTCP:LISTEN -FpcL", transports.Result{
		Stdout: "p4321\ncpython3\nLroot\n",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindPort, Name: "9090"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != PortStateBound {
		t.Errorf("Expected bound, got %s", fact.State)
	}
	if fact.Owner != "python3" {
		t.Errorf("Expected owner python3, got %s", fact.Owner)
	}
	if fact.Details["pids"] != "4321" {
		t.Errorf("Expected pids 4321, got %s", fact.Details["pids"])
	}
	if fact.Source != "lsof" {
		t.Errorf("Expected source lsof, got %s", fact.Source)
	}
}

func TestPortHandler_Probe_Free(t *testing.T) {
	runner := newFakeRunner()
	runner.script("lsof -nP -iTCP:9090 -sTCP:LISTEN -FpcL", transports.Result{ExitCode: 1})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindPort, Name: "9090"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != PortStateFree {
		t.Errorf("Expected free, got %s", fact.State)
	}
}

func TestPortHandler_Probe_FallsBackToSS(t *testing.T) {
	runner := newFakeRunner()
	runner.missing["lsof"] = true
	runner.script("ss -ltnpH sport = :9090", transports.Result{
		Stdout: `LISTEN 0 511 0.0.0.0:9090 0.0.0.0:* users:(("nginx",pid=88,fd=6),("nginx",pid=89,fd=6))` + "\n",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindPort, Name: "9090"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != PortStateBound || fact.Owner != "nginx" {
		t.Errorf("Expected bound by nginx, got %s/%s", fact.State, fact.Owner)
	}
	if fact.Details["pids"] != "88,89" {
		t.Errorf("Expected pids 88,89, got %s", fact.Details["pids"])
	}
}

func TestPortHandler_Probe_NoToolsIsUnavailable(t *testing.T) {
	runner := newFakeRunner()
	runner.missing["lsof"] = true
	runner.missing["ss"] = true

	backend := testBackend(t, runner)
	_, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindPort, Name: "9090"})

	if !engine.IsProbeUnavailable(err) {
		t.Errorf("Expected PROBE_UNAVAILABLE, got: %v", err)
	}
}

func TestServiceHandler_Probe(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantState string
	}{
		{
			name:      "running",
			output:    "LoadState=loaded\nActiveState=active\nSubState=running\nUnitFileState=enabled\n",
			wantState: ServiceStateRunning,
		},
		{
			name:      "stopped",
			output:    "LoadState=loaded\nActiveState=inactive\nSubState=dead\nUnitFileState=disabled\n",
			wantState: ServiceStateStopped,
		},
		{
			name:      "failed counts as stopped",
			output:    "LoadState=loaded\nActiveState=failed\nSubState=failed\nUnitFileState=enabled\n",
			wantState: ServiceStateStopped,
		},
		{
			name:      "absent",
			output:    "LoadState=not-found\nActiveState=inactive\nSubState=dead\nUnitFileState=\n",
			wantState: ServiceStateAbsent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.script(
				"systemctl show nginx --property=LoadState,ActiveState,SubState,UnitFileState --no-pager",
				transports.Result{Stdout: tt.output})

			backend := testBackend(t, runner)
			fact, err := backend.Probe(context.Background(),
				engine.Resource{Kind: engine.KindService, Name: "nginx"})
			if err != nil {
				t.Fatalf("Expected probe to succeed, got: %v", err)
			}

			if fact.State != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, fact.State)
			}
		})
	}
}

func TestServiceHandler_StopAction(t *testing.T) {
	runner := newFakeRunner()
	runner.script("systemctl stop httpd", transports.Result{})
	runner.script("systemctl disable httpd", transports.Result{})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindService, Name: "httpd"}
	observed := engine.Fact{Resource: resource, State: ServiceStateRunning}

	action, err := backend.ActionFor(resource, engine.TargetState{State: ServiceStateStopped}, observed)
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if action.Name != "stop-service" {
		t.Errorf("Expected stop-service, got %s", action.Name)
	}
	if !action.Precondition(observed) {
		t.Error("Expected precondition to hold for a running service")
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}

	if !runner.calledWith("systemctl stop httpd") {
		t.Error("Expected systemctl stop to be invoked")
	}
	if !runner.calledWith("systemctl disable httpd") {
		t.Error("Expected systemctl disable to be invoked")
	}
}

func TestServiceHandler_AbsentSatisfiesStopped(t *testing.T) {
	runner := newFakeRunner()
	runner.script(
		"systemctl show httpd --property=LoadState,ActiveState,SubState,UnitFileState --no-pager",
		transports.Result{Stdout: "LoadState=not-found\nActiveState=inactive\nSubState=dead\nUnitFileState=\n"})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindService, Name: "httpd"}

	fact, err := backend.Probe(context.Background(), resource)
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}
	if fact.State != ServiceStateAbsent {
		t.Fatalf("Expected absent, got %s", fact.State)
	}

	// A unit that does not exist cannot run, so target stopped is
	// satisfied and the planner must not produce a unit for it. Without
	// this the resource re-plans every cycle, skips every time, and the
	// run degrades on hosts where the service was never installed.
	target := engine.TargetState{State: ServiceStateStopped}
	if !backend.Matches(resource, fact, target) {
		t.Error("Expected an absent service to satisfy target stopped")
	}

	if backend.Matches(resource, fact, engine.TargetState{State: ServiceStateRunning}) {
		t.Error("Expected an absent service not to satisfy target running")
	}
}

func TestServiceHandler_AbsentIsNotATarget(t *testing.T) {
	backend := testBackend(t, newFakeRunner())
	resource := engine.Resource{Kind: engine.KindService, Name: "httpd"}
	observed := engine.Fact{Resource: resource, State: ServiceStateRunning}

	_, err := backend.ActionFor(resource, engine.TargetState{State: ServiceStateAbsent}, observed)
	if err == nil {
		t.Fatal("Expected absent target to be rejected")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent validation error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "observed state, not a target") {
		t.Errorf("Expected the error to explain absent is observed-only, got: %v", err)
	}
}

func TestServiceHandler_SkipWhenAlreadyStopped(t *testing.T) {
	backend := testBackend(t, newFakeRunner())
	resource := engine.Resource{Kind: engine.KindService, Name: "httpd"}
	observed := engine.Fact{Resource: resource, State: ServiceStateStopped}

	action, err := backend.ActionFor(resource, engine.TargetState{State: ServiceStateStopped}, observed)
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if action.Precondition(observed) {
		t.Error("Expected precondition to fail for an already stopped service")
	}
}

func TestSELinuxBooleanHandler_Probe(t *testing.T) {
	runner := newFakeRunner()
	runner.script("getsebool httpd_can_network_connect", transports.Result{
		Stdout: "httpd_can_network_connect --> off\n",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindSELinuxBoolean, Name: "httpd_can_network_connect"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != SELinuxBoolOff {
		t.Errorf("Expected off, got %s", fact.State)
	}
}

func TestSELinuxBooleanHandler_SetAction(t *testing.T) {
	runner := newFakeRunner()
	runner.script("setsebool -P httpd_can_network_connect on", transports.Result{})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindSELinuxBoolean, Name: "httpd_can_network_connect"}
	observed := engine.Fact{Resource: resource, State: SELinuxBoolOff}

	action, err := backend.ActionFor(resource, engine.TargetState{State: SELinuxBoolOn}, observed)
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	if !runner.calledWith("setsebool -P httpd_can_network_connect on") {
		t.Error("Expected persistent setsebool invocation")
	}
}

func TestSELinuxPortHandler_Probe(t *testing.T) {
	runner := newFakeRunner()
	runner.script("semanage port -l", transports.Result{
		Stdout: "http_port_t                    tcp      80, 81, 443, 488, 8008, 8009, 8443, 9000, 9090\n" +
			"ssh_port_t                     tcp      22\n",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindSELinuxPort, Name: "9090"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != SELinuxPortLabeled {
		t.Errorf("Expected labeled, got %s", fact.State)
	}
	if fact.Details["setype"] != "http_port_t" {
		t.Errorf("Expected http_port_t, got %s", fact.Details["setype"])
	}
}

func TestSELinuxPortHandler_LabelAction(t *testing.T) {
	runner := newFakeRunner()
	runner.script("semanage port -a -t http_port_t -p tcp 9090", transports.Result{})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindSELinuxPort, Name: "9090"}
	observed := engine.Fact{Resource: resource, State: SELinuxPortUnlabeled}
	target := engine.TargetState{
		State:  SELinuxPortLabeled,
		Params: map[string]string{"setype": "http_port_t"},
	}

	action, err := backend.ActionFor(resource, target, observed)
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
	if !runner.calledWith("semanage port -a") {
		t.Error("Expected semanage port -a invocation")
	}
}

func TestNamespaceHandler_Probe(t *testing.T) {
	runner := newFakeRunner()
	runner.script("kubectl get namespace mlops -o jsonpath={.status.phase}", transports.Result{
		Stdout: "Active",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindNamespace, Name: "mlops"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != NamespacePresent {
		t.Errorf("Expected present, got %s", fact.State)
	}
}

func TestNamespaceHandler_Probe_NotFound(t *testing.T) {
	runner := newFakeRunner()
	runner.script("kubectl get namespace mlops -o jsonpath={.status.phase}", transports.Result{
		ExitCode: 1,
		Stderr:   `Error from server (NotFound): namespaces "mlops" not found`,
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindNamespace, Name: "mlops"})
	if err != nil {
		t.Fatalf("Expected absent fact, got error: %v", err)
	}

	if fact.State != NamespaceAbsent {
		t.Errorf("Expected absent, got %s", fact.State)
	}
}

func TestNamespaceHandler_Probe_UnreachableCluster(t *testing.T) {
	runner := newFakeRunner()
	runner.script("kubectl get namespace mlops -o jsonpath={.status.phase}", transports.Result{
		ExitCode: 1,
		Stderr:   "The connection to the server localhost:8443 was refused",
	})

	backend := testBackend(t, runner)
	_, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindNamespace, Name: "mlops"})

	if !engine.IsProbeUnavailable(err) {
		t.Errorf("Expected PROBE_UNAVAILABLE for unreachable cluster, got: %v", err)
	}
}

func TestHelmHandler_Probe_Deployed(t *testing.T) {
	runner := newFakeRunner()
	runner.script("helm status ml-api -o json", transports.Result{
		Stdout: `{"info":{"status":"deployed"},"chart":{"metadata":{"name":"ml-api","version":"0.1.0"}},"version":2}`,
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindHelmRelease, Name: "ml-api"})
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}

	if fact.State != HelmReleaseDeployed {
		t.Errorf("Expected deployed, got %s", fact.State)
	}
	if fact.Details["revision"] != "2" {
		t.Errorf("Expected revision 2, got %s", fact.Details["revision"])
	}
}

func TestHelmHandler_Probe_Absent(t *testing.T) {
	runner := newFakeRunner()
	runner.script("helm status ml-api -o json", transports.Result{
		ExitCode: 1,
		Stderr:   "Error: release: not found",
	})

	backend := testBackend(t, runner)
	fact, err := backend.Probe(context.Background(),
		engine.Resource{Kind: engine.KindHelmRelease, Name: "ml-api"})
	if err != nil {
		t.Fatalf("Expected absent fact, got error: %v", err)
	}

	if fact.State != HelmReleaseAbsent {
		t.Errorf("Expected absent, got %s", fact.State)
	}
}

func TestHelmHandler_DeployAction(t *testing.T) {
	runner := newFakeRunner()
	runner.script("helm upgrade --install ml-api ./charts/ml-api --wait -n mlops -f values.yaml",
		transports.Result{})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindHelmRelease, Name: "ml-api"}
	observed := engine.Fact{Resource: resource, State: HelmReleaseAbsent}
	target := engine.TargetState{
		State: HelmReleaseDeployed,
		Params: map[string]string{
			"chart":     "./charts/ml-api",
			"namespace": "mlops",
			"values":    "values.yaml",
		},
	}

	action, err := backend.ActionFor(resource, target, observed)
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
}

func TestHelmHandler_DeployRequiresChart(t *testing.T) {
	backend := testBackend(t, newFakeRunner())
	resource := engine.Resource{Kind: engine.KindHelmRelease, Name: "ml-api"}

	_, err := backend.ActionFor(resource,
		engine.TargetState{State: HelmReleaseDeployed}, engine.Fact{Resource: resource})
	if err == nil {
		t.Fatal("Expected error for missing chart param")
	}
}

func TestHelmHandler_UninstallIsDestructive(t *testing.T) {
	backend := testBackend(t, newFakeRunner())
	resource := engine.Resource{Kind: engine.KindHelmRelease, Name: "ml-api"}

	action, err := backend.ActionFor(resource,
		engine.TargetState{State: HelmReleaseAbsent},
		engine.Fact{Resource: resource, State: HelmReleaseDeployed})
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if !action.Destructive {
		t.Error("Expected uninstall-release to be destructive")
	}
}

func TestPathHandler_ProbeAndMatch(t *testing.T) {
	runner := newFakeRunner()
	content := "server { listen 9090; }\n"
	runner.files["/etc/nginx/conf.d/api.conf"] = []byte(content)

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindPath, Name: "/etc/nginx/conf.d/api.conf"}

	fact, err := backend.Probe(context.Background(), resource)
	if err != nil {
		t.Fatalf("Expected probe to succeed, got: %v", err)
	}
	if fact.State != PathPresent {
		t.Fatalf("Expected present, got %s", fact.State)
	}

	matching := engine.TargetState{
		State:  PathPresent,
		Params: map[string]string{"content": content},
	}
	if !backend.Matches(resource, fact, matching) {
		t.Error("Expected content match")
	}

	drifted := engine.TargetState{
		State:  PathPresent,
		Params: map[string]string{"content": "server { listen 8080; }\n"},
	}
	if backend.Matches(resource, fact, drifted) {
		t.Error("Expected content mismatch to be detected")
	}
}

func TestPathHandler_WriteAction(t *testing.T) {
	runner := newFakeRunner()
	backend := testBackend(t, runner)

	resource := engine.Resource{Kind: engine.KindPath, Name: "/etc/nginx/conf.d/api.conf"}
	target := engine.TargetState{
		State:  PathPresent,
		Params: map[string]string{"content": "upstream api { server 127.0.0.1:30080; }\n"},
	}

	action, err := backend.ActionFor(resource, target, engine.Fact{Resource: resource, State: PathAbsent})
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}

	if string(runner.files[resource.Name]) != target.Params["content"] {
		t.Error("Expected file content written")
	}
}

func TestClusterHandler_Probe(t *testing.T) {
	tests := []struct {
		name      string
		result    transports.Result
		wantState string
	}{
		{
			name:      "running",
			result:    transports.Result{Stdout: `{"Name":"minikube","Host":"Running","Kubelet":"Running","APIServer":"Running"}`},
			wantState: ClusterRunning,
		},
		{
			name:      "stopped",
			result:    transports.Result{Stdout: `{"Name":"minikube","Host":"Stopped","Kubelet":"Stopped","APIServer":"Stopped"}`, ExitCode: 7},
			wantState: ClusterStopped,
		},
		{
			name:      "deleted",
			result:    transports.Result{Stderr: `Profile "minikube" not found.`, ExitCode: 85},
			wantState: ClusterDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.script("minikube status -p minikube -o json", tt.result)

			backend := testBackend(t, runner)
			fact, err := backend.Probe(context.Background(),
				engine.Resource{Kind: engine.KindCluster, Name: "minikube"})
			if err != nil {
				t.Fatalf("Expected probe to succeed, got: %v", err)
			}

			if fact.State != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, fact.State)
			}
		})
	}
}

func TestClusterHandler_DeleteIsDestructive(t *testing.T) {
	backend := testBackend(t, newFakeRunner())
	resource := engine.Resource{Kind: engine.KindCluster, Name: "minikube"}

	action, err := backend.ActionFor(resource,
		engine.TargetState{State: ClusterDeleted},
		engine.Fact{Resource: resource, State: ClusterRunning})
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if !action.Destructive {
		t.Error("Expected delete-cluster to be destructive")
	}
}

func TestClusterHandler_StartActionParams(t *testing.T) {
	runner := newFakeRunner()
	runner.script("minikube start -p minikube --driver docker --memory 4096 --cpus 2",
		transports.Result{})

	backend := testBackend(t, runner)
	resource := engine.Resource{Kind: engine.KindCluster, Name: "minikube"}
	target := engine.TargetState{
		State: ClusterRunning,
		Params: map[string]string{
			"driver": "docker",
			"memory": "4096",
			"cpus":   "2",
		},
	}

	action, err := backend.ActionFor(resource, target,
		engine.Fact{Resource: resource, State: ClusterDeleted})
	if err != nil {
		t.Fatalf("Expected action, got: %v", err)
	}

	if err := action.Apply(context.Background()); err != nil {
		t.Fatalf("Expected apply to succeed, got: %v", err)
	}
}
