// Package config gathers the forwarder configuration from a
// YAML file, the environment and command line overrides.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vivangkumar/forward/pkg/forwarder"
)

// EnvPrefix is the prefix of the environment variables read.
//
// FORWARDER_MAX_REQUESTS_PER_MINUTE sets maxRequestsPerMinute.
const EnvPrefix = "FORWARDER_"

// keys maps a normalised key (lower case, no separators)
// to the configuration key.
var keys = configKeys()

func configKeys() map[string]string {
	out := make(map[string]string)

	t := reflect.TypeOf(forwarder.Config{})
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		out[normalise(name)] = name
	}

	return out
}

func normalise(s string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", ".", "").Replace(s))
}

// Key returns the configuration key matching name, which may be
// in any case and use underscores or dashes.
func Key(name string) (string, bool) {
	k, ok := keys[normalise(name)]
	return k, ok
}

// Load builds the flat key/value map handed to forwarder.ParseConfig.
//
// Sources are merged in order, later ones winning: the YAML file
// at path if not empty, FORWARDER_* environment variables, then
// overrides. Unknown keys in the file or the environment are
// dropped.
func Load(path string, overrides map[string]any) (map[string]any, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key, _ := Key(strings.TrimPrefix(s, EnvPrefix))
		return key
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	out := make(map[string]any)
	for name, v := range k.All() {
		key, ok := Key(name)
		if !ok {
			continue
		}
		out[key] = v
	}

	return out, nil
}
