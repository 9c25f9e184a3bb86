package session

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/berthio/berth/log"
	"github.com/berthio/berth/stats"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// SSHForwarderOptions configure the client connections to the edge nodes'
// sshd instances.
type SSHForwarderOptions struct {
	User         string
	Port         int
	IdentityFile string
	// BindHost is the address the remote listener binds on the edge node.
	BindHost          string
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
}

// SSHForwarder opens reverse forwards by dialing each edge node's sshd and
// requesting a remote listener on the session's login port. The forward lives
// until the supervisor exits or the transport drops.
type SSHForwarder struct {
	Options SSHForwarderOptions
	Logger  *log.Logger
	Stats   stats.Stats
}

func (f *SSHForwarder) Open(ctx context.Context, edgeNode string, remotePort int, localHost string, localPort int) (Forward, error) {
	signer, err := f.signer()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            f.Options.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.Options.DialTimeout,
	}

	addr := net.JoinHostPort(edgeNode, strconv.Itoa(f.Options.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	bindHost := f.Options.BindHost
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}

	// The remote listener is the confirmation that the forward is established.
	listener, err := client.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(remotePort)))
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "remote listen on %s:%d", edgeNode, remotePort)
	}

	fwd := &remoteForward{
		edgeNode:  edgeNode,
		listener:  listener,
		target:    net.JoinHostPort(localHost, strconv.Itoa(localPort)),
		transport: client,
		logger:    f.Logger.Named("Forward").With("edge_node", edgeNode),
		st:        f.Stats.WithTags(stats.Tags{"edge_node": edgeNode}),
		done:      make(chan struct{}),
	}

	go fwd.serve()
	if f.Options.KeepaliveInterval > 0 {
		go f.keepalive(ctx, client, fwd)
	}

	return fwd, nil
}

func (f *SSHForwarder) signer() (ssh.Signer, error) {
	key, err := os.ReadFile(f.Options.IdentityFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read identity file %s", f.Options.IdentityFile)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return signer, nil
}

// keepalive pings the edge node's sshd and closes the forward when the
// transport stops answering, so the live count reflects reality.
func (f *SSHForwarder) keepalive(ctx context.Context, client *ssh.Client, fwd *remoteForward) {
	ticker := time.NewTicker(f.Options.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fwd.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@berth", true, nil); err != nil {
				f.Logger.Errorw("SSH keepalive failed", "edge_node", fwd.edgeNode, "error", err)
				fwd.Close()
				return
			}
		}
	}
}
