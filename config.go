package interpose

import (
	"encoding/json"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/u2386/go-interpose/hook"
	"github.com/u2386/go-interpose/procmaps"
)

const (
	DefaultModule = "libminecraftpe.so"
	UDSAddress    = "/tmp/interpose.sock"
)

type (
	Config struct {
		// Module is matched as a substring of mapped paths.
		Module string `mapstructure:"module"`
		Maps   string `mapstructure:"maps"`

		// PID selects another process to resolve against. Its memory is only
		// read; hooks can not be registered.
		PID    int    `mapstructure:"pid"`
		Socket string `mapstructure:"socket"`
		Debug  bool   `mapstructure:"debug"`

		Hooks map[string]HookConfig `mapstructure:"hooks"`
	}

	// HookConfig overrides a static Hook declaration of the same name.
	HookConfig struct {
		Disabled bool           `mapstructure:"disabled"`
		Priority *hook.Priority `mapstructure:"priority"`

		// Identifiers are tried after the declared ones.
		Identifiers []string `mapstructure:"identifiers"`
	}
)

func DefaultConfig() *Config {
	return &Config{
		Module: DefaultModule,
		Maps:   procmaps.SelfMaps,
		Socket: UDSAddress,
		Hooks:  make(map[string]HookConfig),
	}
}

// LoadConfig reads a JSON configuration file. Missing keys keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       priorityHook,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

var priorityType = reflect.TypeOf(hook.Priority(0))

// priorityHook lets priorities be written as names.
func priorityHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != priorityType || from.Kind() != reflect.String {
		return data, nil
	}
	return hook.ParsePriority(data.(string))
}
