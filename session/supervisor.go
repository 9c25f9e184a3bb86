package session

import (
	"context"
	"sync"
	"time"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/stats"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Supervisor drives one session end to end: acquire the login port and token,
// launch the service with a single retry, open the full reverse tunnel set,
// publish the URL, wait for the lock file to disappear, release everything.
type Supervisor struct {
	Session *Session
	Profile Profile

	Broker   Broker
	Launcher ProcessLauncher
	Tunnels  *TunnelManager
	Monitor  *Monitor

	EdgeNodes []string

	// SettleDelay is how long to wait after a launch before the liveness check.
	SettleDelay time.Duration
	// LaunchAttempts is the total number of launch attempts. Two attempts:
	// the launch and one retry.
	LaunchAttempts uint64
	// RetryDelay separates the failed attempt from the retry.
	RetryDelay time.Duration

	Stats  stats.Stats
	Logger *log.Logger

	mu            sync.Mutex
	serviceHandle int
	tunnelSet     *TunnelSet
	teardownOnce  sync.Once
}

// Check reports session health, for the status endpoint.
func (s *Supervisor) Check(ctx context.Context) error {
	state := s.Session.State()
	if state == StateFailed {
		return errors.New("session failed")
	}

	s.mu.Lock()
	set := s.tunnelSet
	s.mu.Unlock()

	if state == StateRunning && set != nil && !set.Healthy() {
		return errors.Errorf("%d of %d tunnels live", set.Live(), len(set.EdgeNodes))
	}
	return nil
}

// Run executes the session lifecycle and blocks until termination. A nil
// return means the session ran to normal completion; any error is fatal and
// maps to exit status 1. Teardown, including the exactly-once port release,
// runs on both paths.
func (s *Supervisor) Run(ctx context.Context) error {
	err := s.run(ctx)
	if err != nil {
		s.Session.fail()
		s.Logger.Errorw("Session failed", "error", err)
		s.Stats.ErrorEvent("session_failed", err)
	}

	// Teardown continues even when the run context was cancelled.
	s.teardown(context.Background())

	if err == nil {
		s.Logger.Info("Session closed")
		s.Stats.SimpleEvent("session_closed")
	}
	return err
}

func (s *Supervisor) run(ctx context.Context) error {
	if len(s.EdgeNodes) == 0 {
		return errors.New("no edge nodes configured")
	}

	if err := s.checkPreconditions(); err != nil {
		return err
	}

	// Broker resources. Empty or error responses are fatal; a degraded
	// session must never be surfaced as success.
	port, err := s.Broker.AcquirePort(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire login port")
	}
	s.Session.LoginPort = port
	s.Logger.Infow("Login port acquired", "login_port", port)
	s.Stats.SimpleEvent("port_acquired")

	if s.Profile.RequiresToken {
		token, err := s.Broker.AcquireToken(ctx)
		if err != nil {
			return newStageError(FailureTokenGeneration, err)
		}
		if token == "" {
			return newStageError(FailureTokenGeneration, errors.New("broker returned an empty token"))
		}
		s.Session.Token = token
	}

	if err := s.writeServiceConfig(); err != nil {
		return err
	}

	if err := s.launchService(ctx); err != nil {
		return err
	}

	s.Session.advance(StateTunneling)
	set := &TunnelSet{
		EdgeNodes:  s.EdgeNodes,
		RemotePort: s.Session.LoginPort,
		LocalHost:  s.Session.Hostname,
		LocalPort:  s.Session.LocalPort,
	}
	s.mu.Lock()
	s.tunnelSet = set
	s.mu.Unlock()

	confirmed, err := s.Tunnels.OpenAll(ctx, set)
	if err != nil {
		return err
	}
	s.Logger.Infow("Tunnel set established", "confirmed", confirmed)
	s.Stats.SimpleEvent("tunnels_open")

	if err := s.Monitor.WriteLock(); err != nil {
		return err
	}
	if err := s.Monitor.Publish(s.Session.URL(s.EdgeNodes[0])); err != nil {
		return err
	}

	s.Session.advance(StateRunning)
	s.Logger.Infow("Session running",
		"session_id", s.Session.ID,
		"login_port", s.Session.LoginPort,
		"lock_path", s.Monitor.LockPath,
	)

	return s.Monitor.AwaitTermination(ctx)
}

// checkPreconditions verifies the external files the session depends on
// before any resource is acquired.
func (s *Supervisor) checkPreconditions() error {
	for _, path := range s.Profile.DependencyFiles {
		if !fileExists(path) {
			return newStageError(FailureDependencyMissing,
				errors.Errorf("required support file %s is missing; contact your cluster support team", path))
		}
	}
	for _, path := range s.Profile.CredentialFiles {
		if !fileExists(path) {
			return newStageError(FailureCredentialMissing,
				errors.Errorf("TLS credential %s is missing; re-run the certificate setup for your account", path))
		}
	}
	return nil
}

func (s *Supervisor) writeServiceConfig() error {
	if s.Profile.ConfigPath == "" {
		return nil
	}

	cfg := defaultServiceConfig(s.Profile.LocalPort)
	if s.Profile.TLSVersion != "" {
		cfg.TLSVersion = s.Profile.TLSVersion
	}
	cfg.AuthToken = s.Session.Token
	cfg.CertFile = s.Profile.CertFile
	cfg.KeyFile = s.Profile.KeyFile
	return cfg.Write(s.Profile.ConfigPath)
}

// launchService starts the interactive service and confirms liveness, with
// exactly one retry.
func (s *Supervisor) launchService(ctx context.Context) error {
	spec := LaunchSpec{
		Command: s.Profile.Command,
		Args:    s.Profile.Args,
		LogPath: s.Profile.LogPath,
	}

	s.Session.advance(StateLaunching)
	s.Stats.SimpleEvent("launch")

	err := withRetry(ctx, s.LaunchAttempts, s.RetryDelay, func() error {
		handle, err := s.Launcher.Launch(spec)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.serviceHandle = handle
		s.mu.Unlock()

		s.Session.advance(StateVerifying)
		if err := sleepCtx(ctx, s.SettleDelay); err != nil {
			return backoff.Permanent(err)
		}

		if !s.Launcher.Alive(handle) {
			s.Logger.Warnw("Service process died during startup, giving it another chance",
				"command", spec.Command)
			return errors.Errorf("%s is not alive after launch", spec.Command)
		}
		return nil
	})
	if err != nil {
		if tail := tailFile(spec.LogPath, 40); tail != "" {
			err = errors.Errorf("%s\nservice log tail:\n%s", err.Error(), tail)
		}
		return newStageError(FailureLaunch, err)
	}

	s.Logger.Infow("Service verified alive", "command", spec.Command)
	return nil
}

// teardown releases everything the run acquired. It executes at most once,
// and the login port is released exactly once even when the release fails.
func (s *Supervisor) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		s.Session.advance(StateClosing)
		s.Stats.SimpleEvent("teardown")

		s.mu.Lock()
		handle := s.serviceHandle
		set := s.tunnelSet
		s.mu.Unlock()

		if handle != 0 {
			s.Launcher.Stop(handle)
		}
		if set != nil {
			set.Close()
		}

		s.Monitor.Cleanup(s.Profile.ConfigPath)

		if s.Session.LoginPort != 0 {
			if err := s.Broker.ReleasePort(ctx, s.Session.LoginPort); err != nil {
				// Best-effort: the user-visible work is already done.
				s.Logger.Warnw(string(FailureRelease),
					"login_port", s.Session.LoginPort,
					"error", err,
				)
				s.Stats.ErrorEvent("release_failed", err)
			}
		}

		s.Session.advance(StateClosed)
	})
}
