package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

const appName = "whatsappcrm"

// ProviderSimulator is the bundled provider that emulates a chat account
// from files on disk.
const ProviderSimulator = "simulator"

// SimulatorConfig tunes the bundled simulator provider
type SimulatorConfig struct {
	PairDelayMS    int    `json:"pair_delay_ms" env:"WHATSAPPCRM_SIMULATOR_PAIR_DELAY_MS"`
	IdentityPrefix string `json:"identity_prefix" env:"WHATSAPPCRM_SIMULATOR_IDENTITY_PREFIX"`
}

// Config represents application configuration
type Config struct {
	ListenAddr    string          `json:"listen_addr" env:"WHATSAPPCRM_ADDR"`
	DataDir       string          `json:"data_dir" env:"WHATSAPPCRM_DATA_DIR"`
	StaticDir     string          `json:"static_dir,omitempty" env:"WHATSAPPCRM_STATIC_DIR"`
	LogLevel      string          `json:"log_level" env:"WHATSAPPCRM_LOG_LEVEL"` // debug, info, warn, error, none
	LogPath       string          `json:"log_path" env:"WHATSAPPCRM_LOG_PATH"`   // file path or "stderr"
	Provider      string          `json:"provider" env:"WHATSAPPCRM_PROVIDER"`
	MaxObservers  int             `json:"max_observers" env:"WHATSAPPCRM_MAX_OBSERVERS"` // 0 means unlimited
	AutoReply     bool            `json:"auto_reply" env:"WHATSAPPCRM_AUTO_REPLY"`
	PurgeOnDelete bool            `json:"purge_on_delete" env:"WHATSAPPCRM_PURGE_ON_DELETE"`
	PrintQR       bool            `json:"print_qr" env:"WHATSAPPCRM_PRINT_QR"`
	Simulator     SimulatorConfig `json:"simulator"`
}

// portOverride mirrors the conventional PORT variable of hosting platforms.
type portOverride struct {
	Port string `env:"PORT"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
			return filepath.Join(dataHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "share", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":3000",
		DataDir:       defaultDataDir(),
		LogLevel:      "info",
		LogPath:       logger.StderrPath,
		Provider:      ProviderSimulator,
		AutoReply:     true,
		PurgeOnDelete: true,
		PrintQR:       true,
		Simulator: SimulatorConfig{
			PairDelayMS:    3000,
			IdentityPrefix: "549",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if config.DataDir == "" {
		config.DataDir = defaultDataDir()
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = logger.StderrPath
	}
	if config.Provider == "" {
		config.Provider = ProviderSimulator
	}

	return config, nil
}

// ApplyEnv overrides fields from environment variables. Unset variables
// leave the loaded values alone. PORT is applied before WHATSAPPCRM_ADDR so
// an explicit address wins.
func (c *Config) ApplyEnv() error {
	var port portOverride
	if err := env.Parse(&port); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if p := strings.TrimSpace(port.Port); p != "" {
		c.ListenAddr = ":" + p
	}
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports configuration that the server cannot start with
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.Provider != ProviderSimulator {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.MaxObservers < 0 {
		errs = append(errs, errors.New("max_observers must be >= 0"))
	}
	if c.Simulator.PairDelayMS < 0 {
		errs = append(errs, errors.New("simulator.pair_delay_ms must be >= 0"))
	}
	return errors.Join(errs...)
}

// SessionsDir holds metadata.json and one credentials directory per session
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// MediaDir holds downloaded attachments, one directory per session
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// LockPath is the instance lock guarding DataDir
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, appName+".lock")
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
