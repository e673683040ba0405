package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Storage  struct {
		Driver string `json:"driver"` // "file" or "sqlite"
	} `json:"storage"`
	Matrix struct {
		HomeserverURL string `json:"homeserver_url"`
		AccessToken   string `json:"access_token"`
		UserID        string `json:"user_id"`
	} `json:"matrix"`
	Backend struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	} `json:"backend"`
	Sync struct {
		MessageLimit   int    `json:"message_limit"`
		MaxConcurrent  int    `json:"max_concurrent"`
		SweepSchedule  string `json:"sweep_schedule"`
		ResyncSchedule string `json:"resync_schedule"`
		TTLDays        int    `json:"ttl_days"`
	} `json:"sync"`
	HTTP struct {
		Listen string `json:"listen"`
	} `json:"http"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".roomsync"),
		LogLevel: "info",
	}
	cfg.Storage.Driver = "file"
	cfg.Backend.BaseURL = "http://localhost:8377"
	cfg.Sync.MessageLimit = 100
	cfg.Sync.MaxConcurrent = 2
	cfg.Sync.SweepSchedule = "@daily"
	cfg.Sync.ResyncSchedule = "@every 30m"
	cfg.Sync.TTLDays = 30
	cfg.HTTP.Listen = "127.0.0.1:8378"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("MATRIX_HOMESERVER_URL"); url != "" {
		cfg.Matrix.HomeserverURL = url
	}
	if token := os.Getenv("MATRIX_ACCESS_TOKEN"); token != "" {
		cfg.Matrix.AccessToken = token
	}
	if userID := os.Getenv("MATRIX_USER_ID"); userID != "" {
		cfg.Matrix.UserID = userID
	}
	if url := os.Getenv("BACKEND_BASE_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
	if token := os.Getenv("BACKEND_TOKEN"); token != "" {
		cfg.Backend.Token = token
	}

	return cfg, nil
}

// Save writes the config to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *Config) toMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns all config values as a flat dot-separated map with
// secrets masked, for display.
func (c *Config) ListValues() (map[string]any, error) {
	m, err := c.toMap()
	if err != nil {
		return nil, err
	}
	return MaskSecrets(Flatten(m)), nil
}

// GetValue returns one config value by dot-separated key, masked if secret.
func (c *Config) GetValue(key string) (any, error) {
	m, err := c.toMap()
	if err != nil {
		return nil, err
	}
	flat := MaskSecrets(Flatten(m))
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one config value by dot-separated key. Numeric and boolean
// strings are coerced to match the field's type.
func (c *Config) SetValue(key, value string) error {
	m, err := c.toMap()
	if err != nil {
		return err
	}
	flat := Flatten(m)
	existing, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	// Coerce to the field's current type so unmarshal round-trips.
	var coerced any = value
	switch existing.(type) {
	case float64:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("set %s: expected a number, got %q", key, value)
		}
		coerced = n
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("set %s: expected a boolean, got %q", key, value)
		}
		coerced = b
	}
	flat[key] = coerced

	data, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return err
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	*c = *updated
	return nil
}
