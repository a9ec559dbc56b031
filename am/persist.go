package am

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/pulsed/errors"
)

// Output formats for Render
const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render encodes a settings map (typically viper's AllSettings) in the given format
func Render(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case FormatTOML, "":
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		if err := enc.Encode(settings); err != nil {
			return nil, errors.Wrap(err, "failed to encode toml")
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode json")
		}
		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode yaml")
		}
		return data, nil
	default:
		return nil, errors.Newf("unknown format %q (want toml, json or yaml)", format)
	}
}

// WriteConfig writes settings as toml to configPath, rotating up to three
// backups (.back1 newest) of any existing file first.
func WriteConfig(configPath string, settings map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := Render(settings, FormatTOML)
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	for i := 3; i > 1; i-- {
		older := fmt.Sprintf("%s.back%d", configPath, i)
		newer := fmt.Sprintf("%s.back%d", configPath, i-1)
		if _, err := os.Stat(newer); err == nil {
			if err := os.Rename(newer, older); err != nil {
				return errors.Wrapf(err, "failed to rotate %s", newer)
			}
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	return os.WriteFile(configPath+".back1", content, 0644)
}
