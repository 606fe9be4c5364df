package main

// Flag names for Viper binding.
const (
	FlagVerbose    = "verbose"
	FlagConfig     = "config"
	FlagMode       = "mode"
	FlagBinaryPath = "binary-path"
	FlagDBPath     = "db-path"
	FlagPluginsDir = "plugins-dir"
	FlagEnablePlugins  = "enable-plugins"
	FlagDisablePlugins = "disable-plugins"
	FlagLogLevel       = "log-level"

	FlagJSON = "json"
)
