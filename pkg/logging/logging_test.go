package logging

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for word, want := range map[string]Level{
		"none":    LevelNone,
		"error":   LevelError,
		"warning": LevelWarning,
		"info":    LevelInfo,
		"debug":   LevelDebug,
	} {
		got, ok := ParseLevel(word)
		require.True(t, ok, "level word %q", word)
		assert.Equal(t, want, got)
	}

	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

type relayRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *relayRecorder) record(_ Level, component, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, component+": "+message)
}

func (r *relayRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestRelayLevelGating(t *testing.T) {
	log, err := New("", LevelNone)
	require.NoError(t, err)
	defer log.Close()

	rec := &relayRecorder{}
	log.SetRelay(rec.record)

	// Relay starts muted even with a function installed.
	log.Error("serv", "not seen yet")
	assert.Empty(t, rec.snapshot())

	log.SetRelayLevel(LevelWarning)
	log.Info("serv", "below the threshold")
	log.Warn("serv", "warning %d", 1)
	log.Error("dbase", "error %d", 2)

	assert.Equal(t, []string{"serv: warning 1", "dbase: error 2"}, rec.snapshot())

	log.ClearRelay()
	log.Error("serv", "after clear")
	assert.Len(t, rec.snapshot(), 2)
}

func TestRelayDebugLevel(t *testing.T) {
	log, err := New("", LevelNone)
	require.NoError(t, err)
	defer log.Close()

	rec := &relayRecorder{}
	log.SetRelay(rec.record)
	log.SetRelayLevel(LevelDebug)

	log.Debug("commd", "chatty line")
	assert.Equal(t, []string{"commd: chatty line"}, rec.snapshot())
}
