// Package config loads Kestrel configuration from defaults, an optional YAML
// file and KESTREL_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: KESTREL_BINDER__N_CARDS sets binder.n_cards.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. path may be empty to skip the file layer;
// a named file that cannot be read is an error.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	// Model terms are a list of structs; they are defaulted after
	// unmarshalling so a file can replace them wholesale.
	defaults := domain.DefaultConfig()
	defaults.Model.Terms = nil

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Model.Terms) == 0 {
		cfg.Model.Terms = domain.DefaultModelTerms()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
