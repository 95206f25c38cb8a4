package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	PSA           PSAConfig      `toml:"psa"`
	Dispatch      DispatchConfig `toml:"dispatch"`
	Calendar      CalendarConfig `toml:"calendar"`
	Notifications NotifyConfig   `toml:"notifications"`
}

type PSAConfig struct {
	BaseURL    string `toml:"base_url"`
	Company    string `toml:"company"`
	PublicKey  string `toml:"public_key"`
	PrivateKey string `toml:"private_key"`
	ClientID   string `toml:"client_id"`
}

type DispatchConfig struct {
	Member     string  `toml:"member"`
	Timezone   string  `toml:"timezone"`
	DailyHours float64 `toml:"daily_hours"`
	// TotalHours caps a whole run; 0 means unbounded.
	TotalHours float64 `toml:"total_hours"`
	StartHour  int     `toml:"start_hour"`
	Duplicates string  `toml:"duplicates"`
	// SkipInactive applies the built-in inactive-status deny list. CLI
	// status flags override this with allow-list semantics.
	SkipInactive   bool   `toml:"skip_inactive"`
	MarkAssigned   bool   `toml:"mark_assigned"`
	AssignedStatus string `toml:"assigned_status"`
}

type CalendarConfig struct {
	Enabled bool        `toml:"enabled"`
	Source  string      `toml:"source"` // "graph" | ICS URL | file path
	Graph   GraphConfig `toml:"graph"`
}

type GraphConfig struct {
	ClientID string `toml:"client_id"`
	TenantID string `toml:"tenant_id"`
}

type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
}

func DefaultConfig() Config {
	return Config{
		Dispatch: DispatchConfig{
			Timezone:       "America/Los_Angeles",
			DailyHours:     8,
			StartHour:      9,
			Duplicates:     "subtract",
			SkipInactive:   true,
			AssignedStatus: "Assigned",
		},
		Notifications: NotifyConfig{
			Enabled: true,
		},
	}
}

func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "dispatchr"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PSA_BASE_URL"); v != "" {
		cfg.PSA.BaseURL = v
	}
	if v := os.Getenv("PSA_COMPANY"); v != "" {
		cfg.PSA.Company = v
	}
	if v := os.Getenv("PSA_PUBLIC_KEY"); v != "" {
		cfg.PSA.PublicKey = v
	}
	if v := os.Getenv("PSA_PRIVATE_KEY"); v != "" {
		cfg.PSA.PrivateKey = v
	}
	if v := os.Getenv("PSA_CLIENT_ID"); v != "" {
		cfg.PSA.ClientID = v
	}
	if v := os.Getenv("MSGRAPH_CLIENT_ID"); v != "" {
		cfg.Calendar.Graph.ClientID = v
	}
	if v := os.Getenv("MSGRAPH_TENANT_ID"); v != "" {
		cfg.Calendar.Graph.TenantID = v
	}
}

func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
