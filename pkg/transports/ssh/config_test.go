package ssh

import (
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid key auth",
			config: Config{
				Host: "deploy-host", Port: 22, User: "deploy",
				AuthMethod: AuthMethodKey, PrivateKeyPath: "/home/deploy/.ssh/id_ed25519",
			},
			wantErr: false,
		},
		{
			name: "valid password auth",
			config: Config{
				Host: "deploy-host", Port: 22, User: "deploy",
				AuthMethod: AuthMethodPassword, Password: "secret",
			},
			wantErr: false,
		},
		{
			name:    "missing host",
			config:  Config{Port: 22, User: "deploy", AuthMethod: AuthMethodPassword, Password: "x"},
			wantErr: true,
		},
		{
			name:    "invalid port",
			config:  Config{Host: "h", Port: 0, User: "deploy", AuthMethod: AuthMethodPassword, Password: "x"},
			wantErr: true,
		},
		{
			name:    "missing user",
			config:  Config{Host: "h", Port: 22, AuthMethod: AuthMethodPassword, Password: "x"},
			wantErr: true,
		},
		{
			name:    "key auth without key path",
			config:  Config{Host: "h", Port: 22, User: "deploy", AuthMethod: AuthMethodKey},
			wantErr: true,
		},
		{
			name:    "password auth without password",
			config:  Config{Host: "h", Port: 22, User: "deploy", AuthMethod: AuthMethodPassword},
			wantErr: true,
		},
		{
			name:    "unknown auth method",
			config:  Config{Host: "h", Port: 22, User: "deploy", AuthMethod: "agent"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("minikube-host", "deploy")

	if cfg.Port != 22 {
		t.Errorf("Expected default port 22, got %d", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("Expected key auth by default, got %s", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("Expected strict host key checking by default")
	}
	if cfg.Address() != "minikube-host:22" {
		t.Errorf("Expected address minikube-host:22, got %s", cfg.Address())
	}
}

func TestBuildCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		useSudo bool
		cmd     string
		args    []string
		want    string
	}{
		{
			name: "plain command",
			cmd:  "systemctl", args: []string{"is-active", "nginx"},
			want: "systemctl is-active nginx",
		},
		{
			name:    "sudo command",
			useSudo: true,
			cmd:     "semanage", args: []string{"port", "-l"},
			want: "sudo semanage port -l",
		},
		{
			name: "argument with spaces",
			cmd:  "sh", args: []string{"-c", "echo hello world"},
			want: "sh -c 'echo hello world'",
		},
		{
			name: "argument with single quote",
			cmd:  "echo", args: []string{"it's"},
			want: `echo 'it'\''s'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildCommandLine(tt.useSudo, tt.cmd, tt.args)
			if got != tt.want {
				t.Errorf("buildCommandLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellQuote_Empty(t *testing.T) {
	if got := shellQuote(""); got != "''" {
		t.Errorf("Expected quoted empty string, got %q", got)
	}
}

func TestNewRunner_RejectsInvalidConfig(t *testing.T) {
	_, err := NewRunner(&Config{})
	if err == nil {
		t.Fatal("Expected error for empty config")
	}
	if !strings.Contains(err.Error(), "invalid ssh config") {
		t.Errorf("Expected config validation error, got: %v", err)
	}
}
