// Package conf loads and validates the application configuration. Settings
// are read from config.yaml via viper with environment overrides and passed
// explicitly into each pipeline stage; engines never reach for globals.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig holds file logging settings shared by all services.
type LogConfig struct {
	Enabled bool   // true to enable file logging
	Path    string // directory for service log files
}

// MainSettings contains application-wide settings.
type MainSettings struct {
	Name string    // agent instance name, reported to the DRAW server
	Log  LogConfig // file logging configuration
}

// StorageSettings describes the local DICOM storage tree that ingestion scans.
type StorageSettings struct {
	Root        string // root directory holding incoming DICOM series
	ScanWorkers int    // cap for the metadata extraction worker pool, 0 = NumCPU
	ChunkSize   int    // files per ingestion chunk, bounds in-flight memory
}

// SQLiteSettings configures the SQLite metadata store.
type SQLiteSettings struct {
	Enabled bool
	Path    string // database file path
}

// OutputSettings wraps the supported datastore backends.
type OutputSettings struct {
	SQLite SQLiteSettings
}

// DeidentifySettings configures the deidentification engine.
type DeidentifySettings struct {
	OrgPrefix  string // organization UID prefix for generated UIDs
	StagingDir string // directory for working directories and archives
	MinYear    int    // lower bound for generated deidentified dates
	MaxYear    int    // upper bound for generated deidentified dates
}

// DrawSettings configures the DRAW API transport.
type DrawSettings struct {
	BaseURL          string        // base URL of the DRAW API server
	UploadEndpoint   string        // upload endpoint path, default /api/upload/
	StatusEndpoint   string        // status endpoint path with {task_id} placeholder
	ClientID         string        // optional client identifier sent with uploads
	UploadTimeout    time.Duration // timeout for archive uploads
	HealthTimeout    time.Duration // timeout for a single health probe
	HealthRetries    int           // health probe attempts before giving up
	HealthRetryDelay time.Duration // wait between health probe attempts
}

// PipelineSettings bounds concurrent series processing.
type PipelineSettings struct {
	Workers int // concurrent series workers, 0 = NumCPU
}

// ObservabilitySettings configures the optional metrics listener.
type ObservabilitySettings struct {
	MetricsAddr string // listen address for /metrics, empty disables the listener
}

// Settings is the root configuration struct.
type Settings struct {
	Debug         bool // true to enable debug logging
	Main          MainSettings
	Storage       StorageSettings
	Output        OutputSettings
	Deidentify    DeidentifySettings
	Draw          DrawSettings
	Pipeline      PipelineSettings
	Observability ObservabilitySettings
}

// Load reads the configuration file and environment variables into a
// Settings struct and validates it.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("DRAW_AGENT")
	viper.AutomaticEnv()

	// function defined in defaults.go
	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create one with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes a default config file to the first config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configDir := configPaths[0]
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	defaults := viper.AllSettings()
	out, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("error marshaling default config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("error writing default config file %s: %w", configPath, err)
	}

	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the paths viper searches for config.yaml:
// the working directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	if userDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userDir, "draw-agent"))
	}
	return paths, nil
}
