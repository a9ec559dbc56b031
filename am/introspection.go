package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ConfigSource is where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/pulsed/pulsed.toml
	SourceUser        ConfigSource = "user"        // ~/.pulsed/pulsed.toml
	SourceProject     ConfigSource = "project"     // ./pulsed.toml
	SourceEnvironment ConfigSource = "environment" // PULSED_* variables
)

// SourceInfo locates the origin of one key
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// SettingInfo is one effective setting with its origin
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection lists every effective setting, sorted by key
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// populated by mergeConfigFiles
var configSources map[string]SourceInfo

// sourceForIndex maps a ConfigPaths position to its source kind. The user
// directory is absent when HOME cannot be resolved.
func sourceForIndex(i, n int) ConfigSource {
	switch {
	case i == 0:
		return SourceSystem
	case i == n-1:
		return SourceProject
	default:
		return SourceUser
	}
}

// trackSources records configPath as the origin of every key it sets
func trackSources(configPath string, source ConfigSource) {
	fv := viper.New()
	fv.SetConfigFile(configPath)
	fv.SetConfigType("toml")
	if err := fv.ReadInConfig(); err != nil {
		return
	}
	for _, key := range fv.AllKeys() {
		configSources[key] = SourceInfo{Source: source, Path: configPath}
	}
}

// EnvVarFor returns the environment variable that overrides key
func EnvVarFor(key string) string {
	return "PULSED_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// GetConfigIntrospection reports the effective value and origin of every
// known setting
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, err
	}
	v := GetViper()

	keys := v.AllKeys()
	sort.Strings(keys)

	intro := &ConfigIntrospection{
		ConfigFile: ActiveConfigPath(),
		Settings:   make([]SettingInfo, 0, len(keys)),
	}
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault}
		if si, ok := configSources[key]; ok {
			info = si
		}
		if env := EnvVarFor(key); os.Getenv(env) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: env}
		}
		intro.Settings = append(intro.Settings, SettingInfo{
			Key:        key,
			Value:      v.Get(key),
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return intro, nil
}
