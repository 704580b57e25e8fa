package cruise

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmpty(t *testing.T) {
	st, err := NewEmpty("NBP1701", "2017-03-01", "")
	require.NoError(t, err)
	assert.Equal(t, "NBP1701", st.ID)
	assert.Equal(t, "2017-03-01", st.Definition.Cruise.Start)
	assert.Empty(t, st.Definition.Loggers)

	_, err = NewEmpty("bad:id", "", "")
	assert.True(t, IsInvalid(err))
}

func TestBuildCruiseIncrementally(t *testing.T) {
	st, err := NewEmpty("NBP1701", "", "")
	require.NoError(t, err)

	require.NoError(t, st.AddConfig("off", nil))
	require.NoError(t, st.AddConfig("net", json.RawMessage(`{ "writers": [] }`)))
	require.NoError(t, st.AddLogger("gyr1", LoggerSpec{}))
	require.NoError(t, st.AddConfigToLogger("off", "gyr1"))
	require.NoError(t, st.AddConfigToLogger("net", "gyr1"))
	require.NoError(t, st.AddConfigToLogger("net", "gyr1"))
	require.NoError(t, st.AddMode("port"))
	require.NoError(t, st.AddConfigToMode("net", "gyr1", "port"))

	assert.Equal(t, []string{"off", "net"}, st.Definition.Loggers["gyr1"].Configs)
	assert.Equal(t, `{"writers":[]}`, string(st.Definition.Configs["net"]))
	require.NoError(t, st.Definition.Validate())

	require.NoError(t, st.SetMode("port"))
	assert.Equal(t, "net", st.Assigned["gyr1"])
}

func TestAddDuplicates(t *testing.T) {
	st := mustState(t)

	assert.True(t, IsInvalid(st.AddMode("port")))
	assert.True(t, IsInvalid(st.AddLogger("knud", LoggerSpec{})))
	assert.True(t, IsInvalid(st.AddConfig("net", nil)))
	assert.True(t, IsInvalid(st.AddConfig("broken", json.RawMessage(`{`))))
}

func TestAddConfigToModeLeavesAssignments(t *testing.T) {
	st := mustState(t)
	require.NoError(t, st.AddConfigToMode("net", "knud", "off"))

	assert.Equal(t, "off", st.Assigned["knud"])
	assert.Equal(t, "net", st.Definition.Modes["off"]["knud"])

	err := st.AddConfigToMode("file", "knud", "off")
	assert.True(t, IsInvalid(err))
	assert.True(t, IsNotFound(st.AddConfigToMode("net", "knud", "nope")))
	assert.True(t, IsNotFound(st.AddConfigToMode("net", "nope", "off")))
}

func TestAddConfigToLoggerUnknown(t *testing.T) {
	st := mustState(t)
	assert.True(t, IsNotFound(st.AddConfigToLogger("bogus", "knud")))
	assert.True(t, IsNotFound(st.AddConfigToLogger("net", "nope")))
}

func TestDeleteMode(t *testing.T) {
	t.Run("current falls back to default", func(t *testing.T) {
		st := mustState(t)
		require.NoError(t, st.SetMode("port"))
		require.NoError(t, st.DeleteMode("port"))

		assert.Equal(t, "off", st.Mode)
		assert.Equal(t, "off", st.Assigned["gyr1"])
		assert.NotContains(t, st.Definition.Modes, "port")
	})
	t.Run("current default is unset", func(t *testing.T) {
		st := mustState(t)
		require.NoError(t, st.DeleteMode("off"))

		assert.Empty(t, st.Mode)
		assert.Empty(t, st.Definition.DefaultMode)
		assert.Equal(t, "off", st.Assigned["gyr1"])
	})
	t.Run("other mode", func(t *testing.T) {
		st := mustState(t)
		require.NoError(t, st.DeleteMode("port"))
		assert.Equal(t, "off", st.Mode)
	})
	t.Run("unknown", func(t *testing.T) {
		st := mustState(t)
		assert.True(t, IsNotFound(st.DeleteMode("nope")))
	})
}

func TestDeleteLogger(t *testing.T) {
	st := mustState(t)
	require.NoError(t, st.DeleteLogger("gyr1"))

	assert.NotContains(t, st.Definition.Loggers, "gyr1")
	assert.NotContains(t, st.Definition.Modes["port"], "gyr1")
	assert.NotContains(t, st.Assigned, "gyr1")
	require.NoError(t, st.Definition.Validate())

	assert.True(t, IsNotFound(st.DeleteLogger("gyr1")))
}

func TestDeleteConfig(t *testing.T) {
	st := mustState(t)
	require.NoError(t, st.SetMode("port"))
	require.NoError(t, st.DeleteConfig("net"))

	assert.NotContains(t, st.Definition.Configs, "net")
	assert.Equal(t, []string{"off"}, st.Definition.Loggers["knud"].Configs)
	assert.Equal(t, []string{"off", "file"}, st.Definition.Loggers["gyr1"].Configs)
	assert.NotContains(t, st.Definition.Modes["port"], "gyr1")
	assert.NotContains(t, st.Assigned, "gyr1")
	assert.Equal(t, "off", st.Assigned["knud"])
	require.NoError(t, st.Definition.Validate())

	// declared only by loggers, no table entry
	require.NoError(t, st.DeleteConfig("off"))
	assert.Empty(t, st.Assigned)

	assert.True(t, IsNotFound(st.DeleteConfig("off")))
}
