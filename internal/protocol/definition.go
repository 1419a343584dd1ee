package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/probe"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Definition is a protocol described in a YAML file:
//
//	name: workstation
//	probes:
//	  - type: gpu
//	    interval: 5s
//	  - type: filewatch
//	    name: configs
//	    enabled: false
//	    options:
//	      path: /etc
//
// Files ending in .json or .jsonc hold the same structure as JSON, with
// comments and trailing commas allowed.
type Definition struct {
	Name   string       `yaml:"name" json:"name"`
	Probes []ProbeEntry `yaml:"probes" json:"probes"`
}

// ProbeEntry is one probe of a Definition. Enabled defaults to true.
type ProbeEntry struct {
	Type     string         `yaml:"type" json:"type"`
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled  *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Interval string         `yaml:"interval,omitempty" json:"interval,omitempty"`
	Options  map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// LoadDefinition reads and validates a definition file, choosing the
// format by extension.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrReadConfig, err).WithMessage("failed to read protocol definition " + path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return ParseDefinitionJSON(raw)
	default:
		return ParseDefinition(raw)
	}
}

// ParseDefinitionJSON decodes and validates a JSONC definition.
func ParseDefinitionJSON(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(jsonc.ToJSON(raw), &def); err != nil {
		return nil, errors.New().Wrap(ErrInvalidDef, err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, errors.New().Wrap(ErrInvalidDef, err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Validate checks that the definition names the protocol and every probe
// has a type and a parseable interval.
func (d *Definition) Validate() error {
	errFactory := errors.New()

	if d.Name == "" {
		return errFactory.WithMessage(ErrInvalidDef, "protocol name is required")
	}

	for i, entry := range d.Probes {
		if entry.Type == "" {
			return errFactory.WithMessage(ErrInvalidDef, fmt.Sprintf("probe %d: type is required", i))
		}
		if _, err := entry.interval(); err != nil {
			return errFactory.Wrap(ErrInvalidDef, err).WithMessage(fmt.Sprintf("probe %d: invalid interval", i))
		}
	}

	return nil
}

// Spec converts the entry into a registry spec.
func (e ProbeEntry) Spec() (probe.Spec, error) {
	interval, err := e.interval()
	if err != nil {
		return probe.Spec{}, err
	}

	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}

	return probe.Spec{
		Name:     e.Name,
		Type:     e.Type,
		Enabled:  enabled,
		Interval: interval,
		Options:  e.Options,
	}, nil
}

func (e ProbeEntry) interval() (time.Duration, error) {
	if e.Interval == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(e.Interval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New().WithData(errors.ErrInvalidInterval, e.Interval)
	}

	return d, nil
}

// Build creates a protocol from def, building its probes from registry in
// definition order. A definition without probes gets the registry's
// default set. opts are applied after the probes are added.
func Build(def *Definition, registry *probe.Registry, opts ...Option) (*Protocol, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var probeOpt Option
	if len(def.Probes) == 0 {
		probeOpt = WithDefaultProbes(registry)
	} else {
		probes := make([]*probe.Probe, 0, len(def.Probes))
		for _, entry := range def.Probes {
			spec, err := entry.Spec()
			if err != nil {
				return nil, errors.New().Wrap(ErrInvalidDef, err)
			}

			pr, err := registry.Build(spec)
			if err != nil {
				return nil, err
			}
			probes = append(probes, pr)
		}
		probeOpt = WithProbes(probes...)
	}

	return New(def.Name, append([]Option{probeOpt}, opts...)...)
}
