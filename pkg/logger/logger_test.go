package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileOutputIsJSONWithService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	l, err := New(Config{Level: "warn", OutputFile: path, Service: "gojotx-test"})
	require.NoError(t, err)

	l.Info("dropped below level")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "gojotx-test", entry["service"])
}

func TestValidate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.NoError(t, Config{Level: "debug", Format: "Console"}.Validate())
	require.Error(t, Config{Level: "loud"}.Validate())
	require.Error(t, Config{Format: "xml"}.Validate())
}

func TestUnopenableFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
