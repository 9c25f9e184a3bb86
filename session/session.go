package session

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// State is a point in the forward-only session lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateLaunching State = "launching"
	StateVerifying State = "verifying"
	StateTunneling State = "tunneling"
	StateRunning   State = "running"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
	StateFailed    State = "failed"
)

var stateOrder = map[State]int{
	StateCreated:   0,
	StateLaunching: 1,
	StateVerifying: 2,
	StateTunneling: 3,
	StateRunning:   4,
	StateClosing:   5,
	StateClosed:    6,
	StateFailed:    7,
}

// Session is one interactive job instance. All lifecycle state is threaded
// through this struct; the lock and URL files it writes during Running are
// the only state that survives process exit.
type Session struct {
	ID       uuid.UUID
	Name     string
	Hostname string

	// LocalPort is the port the launched service listens on locally.
	LocalPort int
	// LoginPort is the externally routable port obtained from the broker.
	// Acquired once, released exactly once at teardown.
	LoginPort int
	// Token authenticates requests to the service. Empty for sessions that
	// rely solely on transport security.
	Token string

	LockPath string
	InfoPath string

	mu    sync.Mutex
	state State
}

func New(name, hostname string, localPort int, lockPath, infoPath string) *Session {
	return &Session{
		ID:        uuid.New(),
		Name:      name,
		Hostname:  hostname,
		LocalPort: localPort,
		LockPath:  lockPath,
		InfoPath:  infoPath,
		state:     StateCreated,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session forward. Transitions backwards are ignored;
// nothing leaves StateFailed.
func (s *Session) advance(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFailed {
		return
	}
	if stateOrder[next] <= stateOrder[s.state] {
		return
	}
	s.state = next
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
}

// URL returns the externally reachable address of the session through the
// given edge node.
func (s *Session) URL(edgeHost string) string {
	u := url.URL{
		Scheme: "https",
		Host:   fmt.Sprintf("%s:%d", edgeHost, s.LoginPort),
		Path:   "/",
	}
	if s.Token != "" {
		u.RawQuery = "token=" + url.QueryEscape(s.Token)
	}
	return u.String()
}

// Info is a read-only snapshot served over the status API.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	LocalPort int    `json:"local_port"`
	LoginPort int    `json:"login_port"`
	State     string `json:"state"`
}

func (s *Session) Snapshot() Info {
	return Info{
		ID:        s.ID.String(),
		Name:      s.Name,
		Hostname:  s.Hostname,
		LocalPort: s.LocalPort,
		LoginPort: s.LoginPort,
		State:     string(s.State()),
	}
}
