package session

import (
	"context"
	"sync"

	"github.com/phayes/freeport"
	"github.com/pkg/errors"
)

// LocalBroker allocates free ports on the local machine. It stands in for the
// cluster port manager in development and in the test harness.
type LocalBroker struct {
	mu   sync.Mutex
	held map[int]bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{held: make(map[int]bool)}
}

func (b *LocalBroker) AcquirePort(ctx context.Context) (int, error) {
	port, err := freeport.GetFreePort()
	if err != nil {
		return 0, errors.Wrap(ErrNoPortsAvailable, err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[port] = true
	return port, nil
}

func (b *LocalBroker) ReleasePort(ctx context.Context, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.held[port] {
		return errors.Errorf("port %d is not held", port)
	}
	delete(b.held, port)
	return nil
}

func (b *LocalBroker) AcquireToken(ctx context.Context) (string, error) {
	return newToken(24)
}
