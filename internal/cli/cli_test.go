package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nbp1700 = `
cruise: {id: NBP1700, start: "2017-01-05", end: "2017-02-10"}
loggers:
  knud: {configs: ["off", "net"]}
  gyr1: {configs: ["off", "net"]}
modes:
  "off": {knud: "off", gyr1: "off"}
  port: {knud: "off", gyr1: net}
default_mode: port
configs:
  net: {writers: [{class: NetworkWriter}]}
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeCruise(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "validate", "show", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	flag := serve.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestValidate(t *testing.T) {
	good := writeCruise(t, "nbp.yaml", nbp1700)
	bad := writeCruise(t, "bad.json", `{"cruise":{"id":"X"},"loggers":{"a":{"configs":["c"]}},"modes":{"m":{"a":"nope"}}}`)

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok    "+good+" (NBP1700)")

	out, err = run(t, "--format", "json", "validate", good, bad)
	require.ErrorIs(t, err, ErrInvalidFiles)
	var results []FileResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.NotEmpty(t, results[1].Error)
}

func TestValidateMissingFile(t *testing.T) {
	out, err := run(t, "validate", filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
}

func TestShow(t *testing.T) {
	p := writeCruise(t, "nbp.yaml", nbp1700)

	out, err := run(t, "--format", "json", "show", p)
	require.NoError(t, err)
	var res ShowResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "NBP1700", res.Cruise)
	assert.Equal(t, "port", res.Mode)
	assert.Equal(t, "port", res.DefaultMode)
	assert.Equal(t, map[string]string{"knud": "off", "gyr1": "net"}, res.Assignment)
	assert.ElementsMatch(t, []string{"off", "port"}, res.Modes)

	out, err = run(t, "show", p)
	require.NoError(t, err)
	assert.Contains(t, out, "cruise:  NBP1700")
	assert.Contains(t, out, "mode:    port")
	assert.Contains(t, out, "period:  2017-01-05 .. 2017-02-10")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cruisectl "+Version)
}
