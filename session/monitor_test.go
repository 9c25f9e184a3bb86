package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/berthio/berth/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(t *testing.T, pollInterval time.Duration) *Monitor {
	t.Helper()
	dir := t.TempDir()
	return &Monitor{
		LockPath:     filepath.Join(dir, "berth.lock"),
		InfoPath:     filepath.Join(dir, "berth.url"),
		PollInterval: pollInterval,
		Logger:       zap.NewNop().Sugar(),
		Stats:        stats.Noop(),
	}
}

func TestMonitor_AwaitTermination_ReturnsAfterRemoval(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)
	require.NoError(t, m.WriteLock())

	returned := make(chan time.Time, 1)
	go func() {
		_ = m.AwaitTermination(context.Background())
		returned <- time.Now()
	}()

	// Must not return while the lock file exists.
	select {
	case <-returned:
		t.Fatal("returned while lock file still present")
	case <-time.After(150 * time.Millisecond):
	}

	removedAt := time.Now()
	require.NoError(t, os.Remove(m.LockPath))

	select {
	case at := <-returned:
		// Within one poll interval of removal, with scheduling slack.
		assert.Less(t, at.Sub(removedAt), 200*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("did not return after lock removal")
	}
}

func TestMonitor_AwaitTermination_ImmediateWhenNoLock(t *testing.T) {
	m := newTestMonitor(t, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- m.AwaitTermination(context.Background())
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(1 * time.Second):
		t.Fatal("did not return immediately for an absent lock file")
	}
}

func TestMonitor_AwaitTermination_Cancellation(t *testing.T) {
	m := newTestMonitor(t, 10*time.Millisecond)
	require.NoError(t, m.WriteLock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.AwaitTermination(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(1 * time.Second):
		t.Fatal("did not return after cancellation")
	}
}

func TestMonitor_PublishAndCleanup(t *testing.T) {
	m := newTestMonitor(t, time.Second)

	require.NoError(t, m.WriteLock())
	require.NoError(t, m.Publish("https://login1:5901/?token=abc123"))

	content, err := os.ReadFile(m.InfoPath)
	require.NoError(t, err)
	assert.Equal(t, "https://login1:5901/?token=abc123\n", string(content))

	extra := filepath.Join(filepath.Dir(m.LockPath), "service.conf")
	require.NoError(t, os.WriteFile(extra, []byte("port = 8888\n"), 0600))

	m.Cleanup(extra)

	assert.NoFileExists(t, m.LockPath)
	assert.NoFileExists(t, m.InfoPath)
	assert.NoFileExists(t, extra)

	// Cleaning up already-removed artifacts is fine.
	m.Cleanup(extra)
}

func TestMonitor_LockFileContentIsTimestamp(t *testing.T) {
	m := newTestMonitor(t, time.Second)
	require.NoError(t, m.WriteLock())

	content, err := os.ReadFile(m.LockPath)
	require.NoError(t, err)

	_, err = time.Parse(time.RFC3339, string(content[:len(content)-1]))
	assert.NoError(t, err, "lock file carries an RFC3339 timestamp")
}
