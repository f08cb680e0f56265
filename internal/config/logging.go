package config

// LoggingConfig is the logging section shared by the YAML engine config
// and the JSON user profile. internal/logging reads the same keys from
// .rowlift/config.json at startup, so the tags here are the contract.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`             // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`           // text or json
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"`   // false disables all log files
	JSONFormat bool            `yaml:"json_format" json:"json_format,omitempty"` // structured entries instead of text lines
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`   // per-category opt-out
}
