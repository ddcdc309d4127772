package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"legion/internal/orchestrator"
	"legion/internal/store"
	"legion/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args against a fresh data directory.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func useDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEGION_DATA_DIR", dir)
	t.Setenv("GEMINI_API_KEY", "")
	configPath = filepath.Join(dir, "config.yaml")
}

func TestRosterAndChannelCommands(t *testing.T) {
	useDataDir(t)
	cfg := []string{"--config", configPath}

	_, err := execute(t, append([]string{"minion", "add", "Alpha", "--persona", "An optimist"}, cfg...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"minion", "add", "Beta"}, cfg...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"minion", "add", "Alpha"}, cfg...)...)
	assert.Error(t, err, "names are unique")

	out, err := execute(t, append([]string{"minion", "list"}, cfg...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Alpha")
	assert.Contains(t, out, "Beta")

	_, err = execute(t, append([]string{"channel", "create", "lounge"}, cfg...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"channel", "join", "lounge", "Alpha"}, cfg...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"channel", "join", "lounge", "Nobody"}, cfg...)...)
	assert.Error(t, err)

	out, err = execute(t, append([]string{"channel", "list"}, cfg...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "lounge")
	assert.Contains(t, out, "members=Alpha")

	_, err = execute(t, append([]string{"channel", "auto", "lounge", "on"}, cfg...)...)
	assert.Error(t, err, "auto mode is for swarm channels")

	_, err = execute(t, append([]string{"minion", "rm", "Alpha"}, cfg...)...)
	require.NoError(t, err)
	out, err = execute(t, append([]string{"channel", "list"}, cfg...)...)
	require.NoError(t, err)
	assert.NotContains(t, out, "members=Alpha")

	out, err = execute(t, append([]string{"history", "lounge"}, cfg...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "#lounge")
}

func TestWritersExcludeEachOther(t *testing.T) {
	useDataDir(t)
	cfg := []string{"--config", configPath}

	_, err := execute(t, append([]string{"channel", "create", "lounge"}, cfg...)...)
	require.NoError(t, err)

	// Another process (a running swarm, say) holds the data directory.
	held, err := store.LockDataDir(context.Background(), os.Getenv("LEGION_DATA_DIR"))
	require.NoError(t, err)

	_, err = execute(t, append([]string{"minion", "add", "Alpha"}, cfg...)...)
	assert.ErrorIs(t, err, store.ErrDataDirBusy)
	_, err = execute(t, append([]string{"say", "lounge", "hello"}, cfg...)...)
	assert.ErrorIs(t, err, store.ErrDataDirBusy)

	out, err := execute(t, append([]string{"history", "lounge"}, cfg...)...)
	require.NoError(t, err, "readers do not need the lock")
	assert.Contains(t, out, "#lounge")

	require.NoError(t, held.Release())
	_, err = execute(t, append([]string{"minion", "add", "Alpha"}, cfg...)...)
	require.NoError(t, err)
}

func TestKeyCommandsMaskSecrets(t *testing.T) {
	useDataDir(t)
	cfg := []string{"--config", configPath}

	out, err := execute(t, append([]string{"key", "add", "AIzaSecretValue1234", "--label", "main"}, cfg...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored key")

	out, err = execute(t, append([]string{"key", "list"}, cfg...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "main")
	assert.Contains(t, out, "AIza********1234")
	assert.NotContains(t, out, "SecretValue")
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		spec    string
		want    types.DelayPolicy
		wantErr bool
	}{
		{spec: "fixed:10", want: types.DelayPolicy{Mode: types.DelayFixed, FixedSeconds: 10}},
		{spec: "random:5-15", want: types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 5, MaxSeconds: 15}},
		{spec: "fixed", wantErr: true},
		{spec: "random:15", wantErr: true},
		{spec: "sometimes:3", wantErr: true},
		{spec: "fixed:x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := parseDelay(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventPrinterStreamsOneReplyLive(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, "c1", false)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageChunk, ChannelID: "c1", MessageID: "m1", Minion: "Alpha", Chunk: "Hel"})
	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageChunk, ChannelID: "c1", MessageID: "m2", Minion: "Beta", Chunk: "ignored while Alpha streams"})
	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageChunk, ChannelID: "c1", MessageID: "m1", Minion: "Alpha", Chunk: "lo"})
	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageAppended, ChannelID: "c1", Message: &types.Message{
		ID: "m1", SenderKind: types.SenderMinion, SenderName: "Alpha", Kind: types.MessageChat, Content: "Hello", Timestamp: now,
	}})
	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageAppended, ChannelID: "c1", Message: &types.Message{
		ID: "m2", SenderKind: types.SenderMinion, SenderName: "Beta", Kind: types.MessageChat, Content: "Hi there", Timestamp: now,
	}})
	p.handle(orchestrator.Event{Kind: orchestrator.EventSystemError, ChannelID: "other", Message: &types.Message{
		ID: "e1", SenderKind: types.SenderSystem, SenderName: "System", Kind: types.MessageSystem, Content: "elsewhere", IsError: true,
	}})

	out := buf.String()
	assert.Contains(t, out, "Alpha: Hello\n")
	assert.Contains(t, out, "Beta: Hi there")
	assert.NotContains(t, out, "ignored while Alpha streams")
	assert.NotContains(t, out, "elsewhere")
	assert.Equal(t, 1, strings.Count(out, "Hello"))
}

func TestEventPrinterRecoversFromAbandonedStream(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, "c1", false)

	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageChunk, ChannelID: "c1", MessageID: "m1", Minion: "Alpha", Chunk: "half"})
	p.handle(orchestrator.Event{Kind: orchestrator.EventProcessingStopped, ChannelID: "c1", Minion: "Alpha"})
	p.handle(orchestrator.Event{Kind: orchestrator.EventMessageChunk, ChannelID: "c1", MessageID: "m2", Minion: "Beta", Chunk: "next"})

	assert.Contains(t, buf.String(), "Beta: next")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", maskSecret("abcd"))
	assert.Equal(t, "abcd********mnop", maskSecret("abcdefghijklmnop"))
}
