// Package config provides configuration types and defaults for sidecar.
package config

// Config holds all configuration for sidecar, mirroring the precedence
// chain CLI flags > environment variables > config file > defaults.
type Config struct {
	Mode    string         `yaml:"mode" mapstructure:"mode"`
	Wrapper WrapperConfig  `yaml:"wrapper" mapstructure:"wrapper"`
	Plugins PluginsConfig  `yaml:"plugins" mapstructure:"plugins"`
	DB      DatabaseConfig `yaml:"database" mapstructure:"database"`
	Monitor MonitorConfig  `yaml:"monitoring" mapstructure:"monitoring"`
}

// WrapperConfig holds the child-process wrapping settings.
type WrapperConfig struct {
	BinaryPath         string `yaml:"binary_path" mapstructure:"binary_path"`
	TimeoutMs          int    `yaml:"timeoutMs" mapstructure:"timeoutMs"`
	BufferSize         int    `yaml:"bufferSize" mapstructure:"bufferSize"`
	GracefulShutdownMs int    `yaml:"gracefulShutdownMs" mapstructure:"gracefulShutdownMs"`
}

// PluginsConfig holds PluginHost discovery and dispatch settings.
type PluginsConfig struct {
	Directory       string   `yaml:"directory" mapstructure:"directory"`
	TimeoutMs       int      `yaml:"timeoutMs" mapstructure:"timeoutMs"`
	RetryAttempts   int      `yaml:"retryAttempts" mapstructure:"retryAttempts"`
	EnabledPlugins  []string `yaml:"enabledPlugins" mapstructure:"enabledPlugins"`
	DisabledPlugins []string `yaml:"disabledPlugins" mapstructure:"disabledPlugins"`
}

// DatabaseConfig holds Store and BatchWriter settings.
type DatabaseConfig struct {
	Kind             string `yaml:"kind" mapstructure:"kind"`
	Path             string `yaml:"path" mapstructure:"path"`
	BatchSize        int    `yaml:"batchSize" mapstructure:"batchSize"`
	FlushIntervalMs  int    `yaml:"flushIntervalMs" mapstructure:"flushIntervalMs"`
	WALMode          bool   `yaml:"walMode" mapstructure:"walMode"`
}

// MonitorConfig holds observability settings.
type MonitorConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	LogLevel string `yaml:"logLevel" mapstructure:"logLevel"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Mode: "development",
		Wrapper: WrapperConfig{
			BinaryPath:         "claude",
			TimeoutMs:          0,
			BufferSize:         64 * 1024,
			GracefulShutdownMs: 5000,
		},
		Plugins: PluginsConfig{
			Directory:     ".sidecar/plugins",
			TimeoutMs:     5000,
			RetryAttempts: 0,
		},
		DB: DatabaseConfig{
			Kind:            "sqlite",
			Path:            ".sidecar/sidecar.db",
			BatchSize:       50,
			FlushIntervalMs: 2000,
			WALMode:         true,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			LogLevel: "info",
		},
	}
}
