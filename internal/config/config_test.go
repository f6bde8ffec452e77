package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.FabricChannel != "ehr-channel" {
		t.Errorf("expected default channel ehr-channel, got %s", cfg.FabricChannel)
	}
	if cfg.EvaluateTimeout != 5*time.Second {
		t.Errorf("expected 5s evaluate timeout, got %s", cfg.EvaluateTimeout)
	}
	if cfg.EndorseTimeout != 15*time.Second {
		t.Errorf("expected 15s endorse timeout, got %s", cfg.EndorseTimeout)
	}
	if cfg.CommitStatusTimeout != 60*time.Second {
		t.Errorf("expected 60s commit timeout, got %s", cfg.CommitStatusTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("LEDGER_MODE", "fabric")
	t.Setenv("FABRIC_MSP_ID", "ClinicMSP")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
	if cfg.LedgerMode != "fabric" {
		t.Errorf("expected ledger mode fabric, got %s", cfg.LedgerMode)
	}
	if cfg.FabricMSPID != "ClinicMSP" {
		t.Errorf("expected ClinicMSP, got %s", cfg.FabricMSPID)
	}
}

func TestResolvedLedgerMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit memory", Config{Env: "production", LedgerMode: "memory"}, "memory"},
		{"explicit fabric", Config{Env: "development", LedgerMode: "fabric"}, "fabric"},
		{"dev defaults to memory", Config{Env: "development"}, "memory"},
		{"production defaults to fabric", Config{Env: "production"}, "fabric"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolvedLedgerMode(); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "dev memory ok",
			cfg:     Config{Env: "development", LedgerMode: "memory"},
			wantErr: false,
		},
		{
			name:    "unknown mode rejected",
			cfg:     Config{Env: "development", LedgerMode: "sqlite"},
			wantErr: true,
		},
		{
			name:    "production memory rejected",
			cfg:     Config{Env: "production", LedgerMode: "memory", AuthSecret: "s"},
			wantErr: true,
		},
		{
			name: "production without auth secret rejected",
			cfg: Config{
				Env: "production", LedgerMode: "fabric",
				FabricCertPath: "/c", FabricKeyPath: "/k",
			},
			wantErr: true,
		},
		{
			name:    "fabric without cert rejected",
			cfg:     Config{Env: "development", LedgerMode: "fabric", FabricKeyPath: "/k"},
			wantErr: true,
		},
		{
			name:    "fabric without key rejected",
			cfg:     Config{Env: "development", LedgerMode: "fabric", FabricCertPath: "/c"},
			wantErr: true,
		},
		{
			name: "production fabric ok",
			cfg: Config{
				Env: "production", LedgerMode: "fabric", AuthSecret: "s",
				FabricCertPath: "/c", FabricKeyPath: "/k",
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
