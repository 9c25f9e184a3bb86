package session

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/stats"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const localDialTimeout = 10 * time.Second

// remoteForward serves one established reverse forward: it accepts
// connections arriving on the edge node's listener and pipes each one to the
// session's local service port.
type remoteForward struct {
	edgeNode string
	listener net.Listener
	target   string

	// transport is closed together with the listener; for SSH forwards this
	// is the client connection to the edge node.
	transport io.Closer

	logger *log.Logger
	st     stats.Stats

	done      chan struct{}
	closeOnce sync.Once
}

func (f *remoteForward) serve() {
	defer f.Close()

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handleConnection(conn)
	}
}

// handleConnection dials the local service and copies bytes bidirectionally
// until either side closes.
func (f *remoteForward) handleConnection(conn net.Conn) {
	connID := uuid.New().String()
	st := f.st.WithTags(stats.Tags{"conn_id": connID, "edge_node": f.edgeNode})
	st.SimpleEvent("connection_open")

	defer conn.Close()

	local, err := net.DialTimeout("tcp", f.target, localDialTimeout)
	if err != nil {
		f.logger.Errorw("Dial local service", "target", f.target, "error", err)
		st.ErrorEvent("connection_error", errors.Wrap(err, "dial local service"))
		return
	}
	defer local.Close()

	pipeline := newBidirectionalPipeline(conn, local)
	if err := pipeline.Run(); err != nil {
		f.logger.Debugw("Connection ended", "conn_id", connID, "error", err)
	}

	st.Count("read_bytes", pipeline.writtenB, nil, 1)
	st.Count("write_bytes", pipeline.writtenA, nil, 1)
	st.WithTags(stats.Tags{
		"read_bytes":  pipeline.writtenB,
		"write_bytes": pipeline.writtenA,
	}).SimpleEvent("connection_close")
}

func (f *remoteForward) Close() error {
	f.closeOnce.Do(func() {
		f.listener.Close()
		if f.transport != nil {
			f.transport.Close()
		}
		close(f.done)
	})
	return nil
}

func (f *remoteForward) Done() <-chan struct{} {
	return f.done
}

// bidirectionalPipeline passes bytes between a and b and records the number
// written to each side.
type bidirectionalPipeline struct {
	a, b               io.ReadWriter
	writtenA, writtenB int64
}

func newBidirectionalPipeline(a, b io.ReadWriter) *bidirectionalPipeline {
	return &bidirectionalPipeline{a: a, b: b}
}

// Run blocks until one side closes.
func (p *bidirectionalPipeline) Run() error {
	// Buffered so the second copy can finish without a reader.
	cerr := make(chan error, 1)
	go func() {
		cerr <- copyWithCounter(p.a, p.b, &p.writtenB)
	}()
	go func() {
		cerr <- copyWithCounter(p.b, p.a, &p.writtenA)
	}()

	return <-cerr
}

func copyWithCounter(src io.Reader, dst io.Writer, written *int64) error {
	count, err := io.Copy(dst, src)
	*written = count
	return err
}
