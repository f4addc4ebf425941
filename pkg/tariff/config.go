package tariff

import (
	"fmt"
	"os"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a tariff definition from a YAML file and validates it.
func LoadFile(path string) (types.TariffConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.TariffConfig{}, fmt.Errorf("failed to read tariff file %s: %w", path, err)
	}
	var cfg types.TariffConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return types.TariffConfig{}, fmt.Errorf("failed to parse tariff file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return types.TariffConfig{}, fmt.Errorf("tariff file %s: %w", path, err)
	}
	return cfg, nil
}

// Configured registers the -tariff-file flag and returns a holder for the
// bootstrap tariff. The file tariff is used until site settings carry their
// own tariff definition.
func Configured() *Default {
	d := &Default{}
	path := lflag.String("tariff-file", "", "Path to a YAML tariff definition used when settings carry none")

	lflag.Do(func() {
		if *path == "" {
			return
		}
		cfg, err := LoadFile(*path)
		if err != nil {
			panic(fmt.Sprintf("tariff file invalid: %v", err))
		}
		d.cfg = &cfg
	})

	return d
}

// Default holds the optional bootstrap tariff loaded from disk.
type Default struct {
	cfg *types.TariffConfig
}

// NewDefault returns a Default serving the given tariff, primarily for
// tests.
func NewDefault(cfg types.TariffConfig) *Default {
	return &Default{cfg: &cfg}
}

// Apply fills in the settings tariff from the file tariff when the settings
// carry none. Returns the (possibly updated) settings.
func (d *Default) Apply(s types.Settings) types.Settings {
	if s.Tariff.Type == "" && d.cfg != nil {
		s.Tariff = *d.cfg
	}
	return s
}
