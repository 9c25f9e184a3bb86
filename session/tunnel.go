package session

import (
	"context"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/stats"
	"github.com/pkg/errors"
)

// Forward is one live reverse forward on a single edge node.
type Forward interface {
	// Close tears the forward down. Safe to call more than once.
	Close() error

	// Done is closed when the forward stops serving, whether by Close or by
	// transport failure.
	Done() <-chan struct{}
}

// Forwarder establishes a reverse forward on one edge node. Open returns only
// after the remote listener is confirmed established.
type Forwarder interface {
	Open(ctx context.Context, edgeNode string, remotePort int, localHost string, localPort int) (Forward, error)
}

// TunnelSet is the ordered set of reverse forwards for one session, one per
// edge node, all sharing the session's login port.
type TunnelSet struct {
	EdgeNodes  []string
	RemotePort int
	LocalHost  string
	LocalPort  int

	forwards []Forward
}

// Live counts forwards that are still serving.
func (s *TunnelSet) Live() int {
	live := 0
	for _, fwd := range s.forwards {
		select {
		case <-fwd.Done():
		default:
			live++
		}
	}
	return live
}

// Healthy reports whether every configured edge node has a live forward.
func (s *TunnelSet) Healthy() bool {
	return s.Live() == len(s.EdgeNodes)
}

func (s *TunnelSet) Close() {
	for _, fwd := range s.forwards {
		_ = fwd.Close()
	}
}

// TunnelManager opens the full tunnel set for a session and enforces the
// all-or-nothing rule: a partial set would silently route the user to only
// some login nodes, so anything short of a full set is fatal.
type TunnelManager struct {
	Forwarder Forwarder
	Stats     stats.Stats
	Logger    *log.Logger
}

// OpenAll opens one reverse forward per edge node and returns the confirmed
// count. Forwards that did open are retained on the set either way, so the
// caller's teardown closes them even after a failed run.
func (m *TunnelManager) OpenAll(ctx context.Context, set *TunnelSet) (int, error) {
	for _, node := range set.EdgeNodes {
		fwd, err := m.Forwarder.Open(ctx, node, set.RemotePort, set.LocalHost, set.LocalPort)
		if err != nil {
			m.Logger.Errorw("Reverse forward failed",
				"edge_node", node,
				"remote_port", set.RemotePort,
				"error", err,
			)
			m.Stats.ErrorEvent("tunnel_open_failed", err)
			continue
		}

		set.forwards = append(set.forwards, fwd)
		m.Logger.Infow("Reverse forward established",
			"edge_node", node,
			"remote_port", set.RemotePort,
			"local_target", set.LocalHost,
		)
		m.Stats.Incr("tunnel_open", stats.Tags{"edge_node": node}, 1)
	}

	confirmed := set.Live()
	if confirmed != len(set.EdgeNodes) {
		return confirmed, newStageError(FailureTunnelSetup,
			errors.Errorf("%d of %d reverse forwards confirmed", confirmed, len(set.EdgeNodes)))
	}
	return confirmed, nil
}
