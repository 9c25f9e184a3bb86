package session

import (
	"context"
	"os"
	"time"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/stats"
	"github.com/pkg/errors"
)

// Monitor publishes the session's connection info and blocks until the
// termination signal: external deletion of the lock file. There is no
// notification mechanism for that deletion, so this is a poll loop.
type Monitor struct {
	LockPath     string
	InfoPath     string
	PollInterval time.Duration

	Logger *log.Logger
	Stats  stats.Stats
}

// WriteLock creates the sentinel file whose presence means "keep the session
// running". The content is a timestamp; only existence matters.
func (m *Monitor) WriteLock() error {
	content := time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(m.LockPath, []byte(content), 0644); err != nil {
		return errors.Wrapf(err, "write lock file %s", m.LockPath)
	}
	return nil
}

// Publish writes the externally reachable URL to the connection-info file.
// This is the single hand-off point to the user.
func (m *Monitor) Publish(url string) error {
	if err := os.WriteFile(m.InfoPath, []byte(url+"\n"), 0600); err != nil {
		return errors.Wrapf(err, "write connection info %s", m.InfoPath)
	}

	m.Logger.Infow("Session published", "url", url, "info_path", m.InfoPath)
	m.Stats.SimpleEvent("publish")
	return nil
}

// AwaitTermination polls for the lock file and returns as soon as it no
// longer exists, or when the context is cancelled. It never returns early
// while the file is present.
func (m *Monitor) AwaitTermination(ctx context.Context) error {
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(m.LockPath); os.IsNotExist(err) {
			m.Logger.Info("Lock file removed, ending session")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cleanup removes the per-session artifacts. Missing files are fine.
func (m *Monitor) Cleanup(paths ...string) {
	paths = append(paths, m.LockPath, m.InfoPath)
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.Logger.Warnw("Could not remove session artifact", "path", path, "error", err)
		}
	}
}
