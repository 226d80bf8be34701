package ulogger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := New("indexer", WithWriter(&buf), WithPretty(false), WithLevel("INFO"))

	logger.Debugf("hidden %d", 1)
	logger.Infof("[Indexer] processed block %d", 42)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "indexer", entry["service"])
	assert.Equal(t, "[Indexer] processed block 42", entry["message"])
}

func TestZeroLoggerSetLogLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := NewZeroLogger("monitor", WithWriter(&buf), WithPretty(false))
	logger.SetLogLevel("DEBUG")
	logger.Debugf("probe")

	assert.Contains(t, buf.String(), "probe")

	logger.SetLogLevel("ERROR")
	buf.Reset()
	logger.Warnf("skipped")
	assert.Empty(t, buf.String())
}

func TestZeroLoggerNewInheritsWriter(t *testing.T) {
	var buf bytes.Buffer

	parent := NewZeroLogger("tracker", WithWriter(&buf), WithPretty(false))
	child := parent.New("directory")
	child.Infof("hello")

	assert.Contains(t, buf.String(), `"service":"directory"`)
}

func TestPrettyLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewZeroLogger("server", WithWriter(&buf), WithPretty(true))
	logger.Infof("listening")

	assert.Contains(t, buf.String(), "listening")
	assert.Contains(t, buf.String(), "server")
}

func TestTestLogger(t *testing.T) {
	var logger Logger = TestLogger{}

	logger.Fatalf("does not exit")
	assert.NotNil(t, logger.New("x"))
	assert.Equal(t, TestLogger{}, New("x", WithLoggerType("test")))
}
