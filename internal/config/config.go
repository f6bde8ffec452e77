package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// LedgerMode selects the tamper-evident store backend: "fabric" for a
	// Hyperledger Fabric network, "memory" for the in-process ledger used
	// in development.
	LedgerMode string `mapstructure:"LEDGER_MODE"`

	FabricPeerEndpoint  string `mapstructure:"FABRIC_PEER_ENDPOINT"`
	FabricPeerHostAlias string `mapstructure:"FABRIC_PEER_HOST_ALIAS"`
	FabricMSPID         string `mapstructure:"FABRIC_MSP_ID"`
	FabricCertPath      string `mapstructure:"FABRIC_CERT_PATH"`
	FabricKeyPath       string `mapstructure:"FABRIC_KEY_PATH"`
	FabricTLSCertPath   string `mapstructure:"FABRIC_TLS_CERT_PATH"`
	FabricChannel       string `mapstructure:"FABRIC_CHANNEL"`
	FabricChaincode     string `mapstructure:"FABRIC_CHAINCODE"`

	EvaluateTimeout     time.Duration `mapstructure:"LEDGER_EVALUATE_TIMEOUT"`
	EndorseTimeout      time.Duration `mapstructure:"LEDGER_ENDORSE_TIMEOUT"`
	SubmitTimeout       time.Duration `mapstructure:"LEDGER_SUBMIT_TIMEOUT"`
	CommitStatusTimeout time.Duration `mapstructure:"LEDGER_COMMIT_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("LEDGER_MODE", "")
	v.SetDefault("FABRIC_PEER_ENDPOINT", "localhost:7051")
	v.SetDefault("FABRIC_PEER_HOST_ALIAS", "peer0.hospital.ehr.com")
	v.SetDefault("FABRIC_MSP_ID", "HospitalMSP")
	v.SetDefault("FABRIC_CHANNEL", "ehr-channel")
	v.SetDefault("FABRIC_CHAINCODE", "ehr-contract")
	v.SetDefault("LEDGER_EVALUATE_TIMEOUT", "5s")
	v.SetDefault("LEDGER_ENDORSE_TIMEOUT", "15s")
	v.SetDefault("LEDGER_SUBMIT_TIMEOUT", "5s")
	v.SetDefault("LEDGER_COMMIT_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("LEDGER_MODE")
	v.BindEnv("FABRIC_PEER_ENDPOINT")
	v.BindEnv("FABRIC_PEER_HOST_ALIAS")
	v.BindEnv("FABRIC_MSP_ID")
	v.BindEnv("FABRIC_CERT_PATH")
	v.BindEnv("FABRIC_KEY_PATH")
	v.BindEnv("FABRIC_TLS_CERT_PATH")
	v.BindEnv("FABRIC_CHANNEL")
	v.BindEnv("FABRIC_CHAINCODE")
	v.BindEnv("LEDGER_EVALUATE_TIMEOUT")
	v.BindEnv("LEDGER_ENDORSE_TIMEOUT")
	v.BindEnv("LEDGER_SUBMIT_TIMEOUT")
	v.BindEnv("LEDGER_COMMIT_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedLedgerMode returns the effective ledger backend. If LEDGER_MODE is
// explicitly set, it is returned; otherwise development runs on the memory
// ledger and everything else on Fabric.
func (c *Config) ResolvedLedgerMode() string {
	if c.LedgerMode != "" {
		return c.LedgerMode
	}
	if c.IsDev() {
		return "memory"
	}
	return "fabric"
}

// Validate checks that the configuration is safe to run. Production must
// not fall back to the memory ledger (it is not tamper-evident) and must
// authenticate callers; fabric mode needs identity material.
func (c *Config) Validate() error {
	mode := c.ResolvedLedgerMode()
	if mode != "memory" && mode != "fabric" {
		return fmt.Errorf("LEDGER_MODE must be \"memory\" or \"fabric\", got %q", mode)
	}
	if c.IsProduction() && mode == "memory" {
		return fmt.Errorf("LEDGER_MODE=memory is not tamper-evident and cannot be used in production")
	}
	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production")
	}
	if mode == "fabric" {
		if c.FabricCertPath == "" {
			return fmt.Errorf("FABRIC_CERT_PATH is required when LEDGER_MODE is \"fabric\"")
		}
		if c.FabricKeyPath == "" {
			return fmt.Errorf("FABRIC_KEY_PATH is required when LEDGER_MODE is \"fabric\"")
		}
	}
	return nil
}
