package errlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acc-exporter.err.log")
	require.NoError(t, os.WriteFile(path, []byte("previous line\n"), 0o600))

	l, err := Open(path)
	require.NoError(t, err)

	l.Record("listen on ':9200': address already in use")
	l.Recordf("restarting in %s", 5*time.Second)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "previous line", lines[0])

	for i, want := range []string{
		"listen on ':9200': address already in use",
		"restarting in 5s",
	} {
		line := lines[i+1]

		idx := strings.Index(line, ": ")
		require.Positive(t, idx, line)

		_, err := time.Parse(time.RFC3339, line[:idx])
		assert.NoError(t, err, line)
		assert.Equal(t, want, line[idx+2:])
	}
}

func TestLog_Disabled(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)

	l.Record("goes nowhere")
	assert.NoError(t, l.Close())

	var nilLog *Log
	nilLog.Record("goes nowhere either")
	assert.NoError(t, nilLog.Close())
}

func TestOpen_Unwritable(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing-dir", "err.log"))
	assert.Error(t, err)
}
