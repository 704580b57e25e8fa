package cruise

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nbp1700YAML = `
cruise:
  id: NBP1700
loggers:
  knud:
    configs: [off_cfg, net]
  gyr1:
    configs: [off_cfg, net]
modes:
  "off":
    knud: off_cfg
    gyr1: off_cfg
  port:
    knud: off_cfg
    gyr1: net
default_mode: "off"
configs:
  net:
    writers:
      - class: NetworkWriter
`

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinition("NBP1700.yaml", []byte(nbp1700YAML))
	require.NoError(t, err)

	assert.Equal(t, "NBP1700", def.Cruise.ID)
	assert.Equal(t, "off", def.DefaultMode)
	assert.Equal(t, []string{"off", "port"}, def.ModeNames())
	assert.Equal(t, "net", def.Modes["port"]["gyr1"])
	assert.JSONEq(t, `{"writers":[{"class":"NetworkWriter"}]}`, string(def.Configs["net"]))
	require.NoError(t, def.Validate())
}

func TestParseDefinitionSniffsYAML(t *testing.T) {
	def, err := ParseDefinition("-", []byte(nbp1700YAML))
	require.NoError(t, err)
	assert.Equal(t, "NBP1700", def.Cruise.ID)
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown key", path: "c.json", data: `{"cruise":{"id":"a"},"loggerz":{}}`},
		{name: "trailing data", path: "c.json", data: `{"cruise":{"id":"a"}} {}`},
		{name: "bad json", path: "c.json", data: `{"cruise":`},
		{name: "bad yaml", path: "c.yaml", data: "cruise: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition(tt.path, []byte(tt.data))
			require.Error(t, err)
			assert.True(t, IsInvalid(err), "err = %v", err)
		})
	}
}

func TestParseDefinitionNormalizes(t *testing.T) {
	def, err := ParseDefinition("c.json", []byte(`{"cruise":{"id":"a"},"loggers":{"l":{}}}`))
	require.NoError(t, err)

	assert.NotNil(t, def.Modes)
	assert.NotNil(t, def.Configs)
	assert.NotNil(t, def.Loggers["l"].Configs)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NBP1700.json")
	require.NoError(t, os.WriteFile(path, []byte(nbp1700JSON), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "NBP1700", def.Cruise.ID)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveID(t *testing.T) {
	assert.Equal(t, "NBP1700", ResolveID(&Definition{Cruise: Info{ID: "NBP1700"}}, []string{"a", "b", "c"}))
	assert.Equal(t, "cruise_3", ResolveID(&Definition{}, []string{"a", "b", "c"}))
	assert.Equal(t, "cruise_0", ResolveID(nil, nil))
	// a generated id already in use is skipped
	assert.Equal(t, "cruise_2", ResolveID(&Definition{}, []string{"cruise_1"}))
	assert.Equal(t, "cruise_3", ResolveID(&Definition{}, []string{"cruise_1", "cruise_2"}))
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("NBP1700"))
	assert.True(t, IsInvalid(ValidateID("")))
	assert.True(t, IsInvalid(ValidateID("NBP:1700")))
}

func TestDefinitionValidate(t *testing.T) {
	base := func() *Definition {
		def, err := ParseDefinition("c.json", []byte(nbp1700JSON))
		require.NoError(t, err)
		return def
	}

	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{name: "mode names unknown logger", mutate: func(d *Definition) { d.Modes["port"]["mwx1"] = "off" }},
		{name: "mode config outside logger set", mutate: func(d *Definition) { d.Modes["port"]["knud"] = "file" }},
		{name: "empty mode config", mutate: func(d *Definition) { d.Modes["port"]["knud"] = "" }},
		{name: "missing default mode", mutate: func(d *Definition) { d.DefaultMode = "underway" }},
		{name: "empty logger id", mutate: func(d *Definition) { d.Loggers[""] = LoggerSpec{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, IsInvalid(err), "err = %v", err)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestKeys(t *testing.T) {
	k := Key("NBP1700", "gyr1")
	assert.Equal(t, "NBP1700:gyr1", k)

	c, l, ok := SplitKey("NBP1700:gyr1:a")
	assert.True(t, ok)
	assert.Equal(t, "NBP1700", c)
	assert.Equal(t, "gyr1:a", l)

	_, _, ok = SplitKey("plain")
	assert.False(t, ok)
}
