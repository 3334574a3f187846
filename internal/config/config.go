// Package config loads VEIL's configuration from a YAML file with
// environment-variable overrides, the same layering the teacher backend
// uses for its own config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	defaultInternalToken  = "dev-secret-token"
	defaultAuthorizedHash = "UNSET"
)

// Config is VEIL's full runtime configuration.
type Config struct {
	Env                 string `yaml:"env"`
	InternalToken       string `yaml:"internal_token"`
	AuthorizedProxyHash string `yaml:"authorized_proxy_hash"`
	KVURL               string `yaml:"kv_url"`
	LedgerFile          string `yaml:"ledger_file"`
	PolicyURL           string `yaml:"policy_url"`
	ModelURL            string `yaml:"model_url"`
	ListenAddr          string `yaml:"listen_addr"`

	Identity   IdentityConfig   `yaml:"identity"`
	Judge      JudgeConfig      `yaml:"judge"`
	KeyStore   KeyStoreConfig   `yaml:"key_store"`
	Extensions ExtensionsConfig `yaml:"extensions"`
}

// IdentityConfig configures the sandbox-fingerprint resolver.
type IdentityConfig struct {
	Resolver       string `yaml:"resolver"` // "docker" (default) or "ebpf"
	EBPFMapPin     string `yaml:"ebpf_map_pin"`
	SPIFFEEnabled  bool   `yaml:"spiffe_enabled"`
	SPIFFESocket   string `yaml:"spiffe_socket"`
	FingerprintCacheSize int `yaml:"fingerprint_cache_size"`
}

// JudgeConfig configures the semantic judge's model endpoint.
type JudgeConfig struct {
	Model             string `yaml:"model"`
	ConfidenceFloor   float64 `yaml:"confidence_floor"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
	NonceTTLSeconds   int    `yaml:"nonce_ttl_seconds"`
}

// KeyStoreConfig selects how the Ed25519 signing key is persisted.
type KeyStoreConfig struct {
	Backend    string `yaml:"backend"` // "ephemeral" (default), "file", "postgres"
	FilePath   string `yaml:"file_path"`
	Passphrase string `yaml:"passphrase"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ExtensionsConfig enables the optional domain-stack integrations.
type ExtensionsConfig struct {
	PubSubProject       string `yaml:"pubsub_project"`
	PubSubTopic         string `yaml:"pubsub_topic"`
	CloudTasksProject   string `yaml:"cloud_tasks_project"`
	CloudTasksLocation  string `yaml:"cloud_tasks_location"`
	CloudTasksQueue     string `yaml:"cloud_tasks_queue"`
	CloudTasksWriteURL  string `yaml:"cloud_tasks_write_url"`
	SupabaseURL         string `yaml:"supabase_url"`
	SupabaseKey         string `yaml:"supabase_key"`
	SupabaseTable       string `yaml:"supabase_table"`
	LedgerStreamEnabled bool   `yaml:"ledger_stream_enabled"`
	KernelSinkPin       string `yaml:"kernel_sink_pin"`
}

var (
	once     sync.Once
	instance *Config
)

// Get returns the process-wide Config, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load("config.yaml")
		if err != nil {
			slog.Error("configuration fatal", "error", err)
			os.Exit(1)
		}
		instance = cfg
	})
	return instance
}

// Load reads path (if present), applies environment overrides, fills
// defaults, then enforces §7's ConfigurationFatal invariants.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // dev convenience; no-op if .env is absent

	cfg := &Config{
		Env:                 EnvDev,
		InternalToken:       defaultInternalToken,
		AuthorizedProxyHash: defaultAuthorizedHash,
		KVURL:               "redis://localhost:6379",
		LedgerFile:          "veil.ledger.jsonl",
		ListenAddr:          ":8443",
		Identity: IdentityConfig{
			Resolver:             "docker",
			FingerprintCacheSize: 512,
		},
		Judge: JudgeConfig{
			Model:           "llama3.2:1b",
			ConfidenceFloor: 0.7,
			CacheTTLSeconds: 3600,
			NonceTTLSeconds: 300,
		},
		KeyStore: KeyStoreConfig{Backend: "ephemeral"},
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("ENV", &cfg.Env)
	str("INTERNAL_TOKEN", &cfg.InternalToken)
	str("AUTHORIZED_PROXY_HASH", &cfg.AuthorizedProxyHash)
	str("KV_URL", &cfg.KVURL)
	str("LEDGER_FILE", &cfg.LedgerFile)
	str("POLICY_URL", &cfg.PolicyURL)
	str("MODEL_URL", &cfg.ModelURL)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("IDENTITY_RESOLVER", &cfg.Identity.Resolver)
	str("KEY_STORE_BACKEND", &cfg.KeyStore.Backend)
	str("KEY_STORE_FILE_PATH", &cfg.KeyStore.FilePath)
	str("KEY_STORE_PASSPHRASE", &cfg.KeyStore.Passphrase)
	str("KEY_STORE_POSTGRES_DSN", &cfg.KeyStore.PostgresDSN)

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))

	if v := os.Getenv("JUDGE_CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Judge.ConfidenceFloor = f
		}
	}
	if v := os.Getenv("SPIFFE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.SPIFFEEnabled = b
		}
	}
}

// validate enforces ConfigurationFatal: prod forbids the default secret and
// an unset authorized proxy hash.
func validate(cfg *Config) error {
	if cfg.Env != EnvDev && cfg.Env != EnvProd {
		return fmt.Errorf("ENV must be %q or %q, got %q", EnvDev, EnvProd, cfg.Env)
	}
	if cfg.Env == EnvProd {
		if cfg.InternalToken == "" || cfg.InternalToken == defaultInternalToken {
			return fmt.Errorf("INTERNAL_TOKEN must be set to a non-default value in prod")
		}
		if cfg.AuthorizedProxyHash == "" || cfg.AuthorizedProxyHash == defaultAuthorizedHash {
			return fmt.Errorf("AUTHORIZED_PROXY_HASH must be set in prod")
		}
	}
	return nil
}

// IsDev reports whether the engine is running in the dev-only bypass mode.
func (c *Config) IsDev() bool {
	return c.Env == EnvDev
}
