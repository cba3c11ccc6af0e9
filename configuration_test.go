package icebus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeListenSpec(t *testing.T) {
	t.Run("Passthrough", func(t *testing.T) {
		for _, spec := range []string{
			"tcp:addr=0.0.0.0,port=9955",
			"ice:",
			"unix:abstract=alljoyn",
			"launchd:env=DBUS_LAUNCHD_SESSION_BUS_SOCKET",
		} {
			got, err := NormalizeListenSpec(spec)
			require.NoError(t, err, spec)
			assert.Equal(t, spec, got)
		}
	})

	t.Run("UnixTmpdirRewrite", func(t *testing.T) {
		got, err := NormalizeListenSpec("unix:tmpdir=/tmp")
		require.NoError(t, err)
		assert.Regexp(t, `^unix:abstract=/tmp/alljoyn-[A-Za-z]{10}$`, got)

		again, err := NormalizeListenSpec("unix:tmpdir=/tmp")
		require.NoError(t, err)
		assert.NotEqual(t, got, again, "rewrites must be randomized")
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, spec := range []string{
			"quic:addr=1.2.3.4",
			"tcp",
			"tcp:addr",
		} {
			_, err := NormalizeListenSpec(spec)
			assert.ErrorIs(t, err, ErrInvalidSpec, spec)
		}
	})
}

func TestConfigTypedGetters(t *testing.T) {
	cfg := NewConfig()
	cfg.Set(ConfigType, "alljoyn")
	cfg.Set(ConfigAuthTimeout, 20000)
	cfg.Set(ConfigICEMaxIncomplete, 16)
	cfg.Set(ConfigDMEnableIPv6, true)

	assert.Equal(t, "alljoyn", cfg.String(ConfigType, "session"))
	assert.Equal(t, "session", cfg.String("missing", "session"))
	assert.Equal(t, 16, cfg.Int(ConfigICEMaxIncomplete, 10))
	assert.Equal(t, 10, cfg.Int("missing", 10))
	assert.True(t, cfg.Bool(ConfigDMEnableIPv6, false))
	assert.Equal(t, 20*1000*1000*1000, int(cfg.Duration(ConfigAuthTimeout, 0)))
}

func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icebus.yaml")
	content := "type: session\n" +
		"listen:\n" +
		"  - tcp:addr=127.0.0.1,port=9955\n" +
		"  - \"ice:\"\n" +
		"ice_discovery_manager/property@server: rdvs.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "session", cfg.String(ConfigType, ""))
	assert.Equal(t, "rdvs.example.com", cfg.String(ConfigDMServer, ""))

	specs, err := cfg.ListenSpecs()
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp:addr=127.0.0.1,port=9955", "ice:"}, specs)
}
