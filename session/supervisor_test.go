package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/berthio/berth/stats"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBroker struct {
	mu sync.Mutex

	port       int
	token      string
	tokenErr   error
	releaseErr error

	acquires int
	releases int
}

func (b *mockBroker) AcquirePort(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquires++
	return b.port, nil
}

func (b *mockBroker) ReleasePort(ctx context.Context, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return b.releaseErr
}

func (b *mockBroker) AcquireToken(ctx context.Context) (string, error) {
	if b.tokenErr != nil {
		return "", b.tokenErr
	}
	return b.token, nil
}

func (b *mockBroker) counts() (acquires, releases int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquires, b.releases
}

type mockLauncher struct {
	mu sync.Mutex

	alive    bool
	launches int
	stops    int
}

func (l *mockLauncher) Launch(spec LaunchSpec) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	return l.launches, nil
}

func (l *mockLauncher) Alive(handle int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *mockLauncher) Stop(handle int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}

type mockForward struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newMockForward() *mockForward {
	return &mockForward{done: make(chan struct{})}
}

func (f *mockForward) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *mockForward) Done() <-chan struct{} {
	return f.done
}

type mockForwarder struct {
	mu        sync.Mutex
	failNodes map[string]bool
	opened    []*mockForward
}

func (m *mockForwarder) Open(ctx context.Context, edgeNode string, remotePort int, localHost string, localPort int) (Forward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNodes[edgeNode] {
		return nil, errors.Errorf("connect to %s: connection refused", edgeNode)
	}

	fwd := newMockForward()
	m.opened = append(m.opened, fwd)
	return fwd, nil
}

type supervisorFixture struct {
	supervisor *Supervisor
	broker     *mockBroker
	launcher   *mockLauncher
	forwarder  *mockForwarder
	lockPath   string
	infoPath   string
	configPath string
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	dir := t.TempDir()

	broker := &mockBroker{port: 5901, token: "abc123"}
	launcher := &mockLauncher{alive: true}
	forwarder := &mockForwarder{failNodes: map[string]bool{}}

	logger := zap.NewNop().Sugar()
	st := stats.Noop()

	lockPath := filepath.Join(dir, "berth.lock")
	infoPath := filepath.Join(dir, "berth.url")
	configPath := filepath.Join(dir, "service.conf")

	sess := New("notebook", "node0101", 8888, lockPath, infoPath)

	return &supervisorFixture{
		supervisor: &Supervisor{
			Session: sess,
			Profile: Profile{
				Name:          "notebook",
				Command:       "jupyter",
				LocalPort:     8888,
				RequiresToken: true,
				ConfigPath:    configPath,
				LogPath:       filepath.Join(dir, "service.log"),
			},
			Broker:   broker,
			Launcher: launcher,
			Tunnels: &TunnelManager{
				Forwarder: forwarder,
				Stats:     st,
				Logger:    logger,
			},
			Monitor: &Monitor{
				LockPath:     lockPath,
				InfoPath:     infoPath,
				PollInterval: 20 * time.Millisecond,
				Logger:       logger,
				Stats:        st,
			},
			EdgeNodes:      []string{"login1", "login2", "login3", "login4"},
			SettleDelay:    10 * time.Millisecond,
			LaunchAttempts: 2,
			RetryDelay:     10 * time.Millisecond,
			Stats:          st,
			Logger:         logger,
		},
		broker:     broker,
		launcher:   launcher,
		forwarder:  forwarder,
		lockPath:   lockPath,
		infoPath:   infoPath,
		configPath: configPath,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestSupervisor_RunToCompletion(t *testing.T) {
	f := newSupervisorFixture(t)

	result := make(chan error, 1)
	go func() {
		result <- f.supervisor.Run(context.Background())
	}()

	// The session is running once the lock file appears.
	require.True(t, waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(f.lockPath)
		return err == nil
	}), "lock file written")
	require.True(t, waitFor(t, time.Second, func() bool {
		return f.supervisor.Session.State() == StateRunning
	}))

	url, err := os.ReadFile(f.infoPath)
	require.NoError(t, err)
	assert.Equal(t, "https://login1:5901/?token=abc123\n", string(url))

	// Simulate the portal's termination action.
	require.NoError(t, os.Remove(f.lockPath))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return after lock removal")
	}

	assert.Equal(t, StateClosed, f.supervisor.Session.State())

	acquires, releases := f.broker.counts()
	assert.Equal(t, 1, acquires, "acquire count")
	assert.Equal(t, 1, releases, "release count")
	assert.Equal(t, 1, f.launcher.launches, "launch attempts")
	assert.Equal(t, 1, f.launcher.stops, "service stopped")

	for _, fwd := range f.forwarder.opened {
		select {
		case <-fwd.Done():
		default:
			t.Error("forward left open after teardown")
		}
	}

	assert.NoFileExists(t, f.infoPath)
	assert.NoFileExists(t, f.configPath)
}

func TestSupervisor_TunnelCountMismatchIsFatal(t *testing.T) {
	f := newSupervisorFixture(t)
	f.forwarder.failNodes["login3"] = true

	err := f.supervisor.Run(context.Background())
	require.Error(t, err)

	failure, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureTunnelSetup, failure)
	assert.Contains(t, err.Error(), "3 of 4")

	// Best-effort cleanup still releases the port exactly once.
	acquires, releases := f.broker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)

	assert.Equal(t, StateFailed, f.supervisor.Session.State())
}

func TestSupervisor_LaunchRetriesExactlyOnce(t *testing.T) {
	f := newSupervisorFixture(t)
	f.launcher.alive = false

	err := f.supervisor.Run(context.Background())
	require.Error(t, err)

	failure, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureLaunch, failure)

	assert.Equal(t, 2, f.launcher.launches, "launch attempted exactly twice")

	_, releases := f.broker.counts()
	assert.Equal(t, 1, releases)
}

func TestSupervisor_ReleaseFailureIsNotFatal(t *testing.T) {
	f := newSupervisorFixture(t)
	f.broker.releaseErr = errors.New("port manager unreachable")

	result := make(chan error, 1)
	go func() {
		result <- f.supervisor.Run(context.Background())
	}()

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(f.lockPath)
		return err == nil
	}))
	require.NoError(t, os.Remove(f.lockPath))

	select {
	case err := <-result:
		assert.NoError(t, err, "release failure is swallowed")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
	}

	_, releases := f.broker.counts()
	assert.Equal(t, 1, releases, "release attempted exactly once despite failure")
}

func TestSupervisor_TokenFailureIsFatal(t *testing.T) {
	f := newSupervisorFixture(t)
	f.broker.tokenErr = errors.New("token service down")

	err := f.supervisor.Run(context.Background())
	require.Error(t, err)

	failure, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureTokenGeneration, failure)

	// The port was already acquired, so it must still be released.
	acquires, releases := f.broker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)
}

func TestSupervisor_MissingDependencyFailsBeforeAcquire(t *testing.T) {
	f := newSupervisorFixture(t)
	f.supervisor.Profile.DependencyFiles = []string{filepath.Join(t.TempDir(), "does-not-exist")}

	err := f.supervisor.Run(context.Background())
	require.Error(t, err)

	failure, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureDependencyMissing, failure)

	acquires, releases := f.broker.counts()
	assert.Equal(t, 0, acquires, "nothing acquired")
	assert.Equal(t, 0, releases, "nothing to release")
}

func TestSupervisor_MissingCredentialFailsBeforeAcquire(t *testing.T) {
	f := newSupervisorFixture(t)
	f.supervisor.Profile.CredentialFiles = []string{filepath.Join(t.TempDir(), "dcv.pem")}

	err := f.supervisor.Run(context.Background())
	require.Error(t, err)

	failure, ok := FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, FailureCredentialMissing, failure)
}

func TestSupervisor_CancelDuringRunningStillTearsDown(t *testing.T) {
	f := newSupervisorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- f.supervisor.Run(ctx)
	}()

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(f.lockPath)
		return err == nil
	}))

	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return after cancellation")
	}

	_, releases := f.broker.counts()
	assert.Equal(t, 1, releases, "port released on cancellation")
}
