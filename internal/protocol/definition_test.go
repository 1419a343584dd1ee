package protocol_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/probe"
	"codeberg.org/mutker/sensusd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workstation = `
name: workstation
probes:
  - type: ticker
    interval: 5s
  - type: ticker
    name: slow
    enabled: false
    interval: 1m
    options:
      label: slow
`

func testRegistry(t *testing.T) (*probe.Registry, *[]probe.Spec) {
	t.Helper()

	var specs []probe.Spec
	r := probe.NewRegistry()
	factory := func(spec probe.Spec) (*probe.Probe, error) {
		specs = append(specs, spec)
		return probe.New(spec.Name, &fakeSource{}, probe.WithLogger(logger.Nop())), nil
	}
	require.NoError(t, r.Register("ticker", factory))
	require.NoError(t, r.Register("clock", factory))

	return r, &specs
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workstation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(workstation), 0o600))

	def, err := protocol.LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "workstation", def.Name)
	require.Len(t, def.Probes, 2)
	assert.Equal(t, "ticker", def.Probes[0].Type)
	assert.Nil(t, def.Probes[0].Enabled)
	assert.Equal(t, "slow", def.Probes[1].Options["label"])
}

func TestLoadDefinitionJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workstation.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // sampled every five seconds
  "name": "workstation",
  "probes": [
    {"type": "ticker", "interval": "5s"},
    {"type": "ticker", "name": "slow", "enabled": false,},
  ],
}`), 0o600))

	def, err := protocol.LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "workstation", def.Name)
	require.Len(t, def.Probes, 2)
	require.NotNil(t, def.Probes[1].Enabled)
	assert.False(t, *def.Probes[1].Enabled)
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	_, err := protocol.LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestParseDefinitionInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "malformed", raw: "name: [unterminated"},
		{name: "missing name", raw: "probes:\n  - type: ticker\n"},
		{name: "missing type", raw: "name: x\nprobes:\n  - name: a\n"},
		{name: "bad interval", raw: "name: x\nprobes:\n  - type: ticker\n    interval: soon\n"},
		{name: "negative interval", raw: "name: x\nprobes:\n  - type: ticker\n    interval: -5s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ParseDefinition([]byte(tt.raw))
			assert.True(t, errors.HasCode(err, protocol.ErrInvalidDef), "got %v", err)
		})
	}
}

func TestBuild(t *testing.T) {
	registry, specs := testRegistry(t)
	def, err := protocol.ParseDefinition([]byte(workstation))
	require.NoError(t, err)

	p, err := protocol.Build(def, registry, protocol.WithLogger(logger.Nop()))
	require.NoError(t, err)

	assert.Equal(t, "workstation", p.Name())
	probes := p.Probes()
	require.Len(t, probes, 2)
	assert.Equal(t, "ticker", probes[0].Name())
	assert.True(t, probes[0].Enabled())
	assert.Equal(t, "slow", probes[1].Name())
	assert.False(t, probes[1].Enabled())

	require.Len(t, *specs, 2)
	assert.Equal(t, 5*time.Second, (*specs)[0].Interval)
	assert.Equal(t, time.Minute, (*specs)[1].Interval)
}

func TestBuildWithoutProbesUsesDefaults(t *testing.T) {
	registry, _ := testRegistry(t)

	p, err := protocol.Build(&protocol.Definition{Name: "defaults"}, registry, protocol.WithLogger(logger.Nop()))
	require.NoError(t, err)

	var kinds []string
	for _, pr := range p.Probes() {
		kinds = append(kinds, pr.Kind())
	}
	assert.Equal(t, []string{"clock", "ticker"}, kinds)
}

func TestBuildUnknownType(t *testing.T) {
	registry, _ := testRegistry(t)
	def := &protocol.Definition{Name: "x", Probes: []protocol.ProbeEntry{{Type: "sonar"}}}

	_, err := protocol.Build(def, registry)
	assert.True(t, errors.HasCode(err, probe.ErrUnknownType))
}
