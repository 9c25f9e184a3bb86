package session

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/berthio/berth/log"
	"github.com/pkg/errors"
)

// Broker allocates the externally routable resources for a session: a unique
// login-node port, and an authentication token. Calls are synchronous and
// carry no retry policy; retries, if any, belong to the broker itself.
type Broker interface {
	AcquirePort(ctx context.Context) (int, error)

	// ReleasePort is best-effort. Callers log failures and move on.
	ReleasePort(ctx context.Context, port int) error

	AcquireToken(ctx context.Context) (string, error)
}

var ErrNoPortsAvailable = errors.New("no ports available")

const defaultBrokerTimeout = 30 * time.Second

// ExecBroker drives the site's port-manager CLI. Each operation is a single
// subprocess invocation whose stdout carries the result.
type ExecBroker struct {
	// AcquireCommand prints an allocated port number on stdout.
	AcquireCommand []string
	// ReleaseCommand frees a port; the port number is appended as the final argument.
	ReleaseCommand []string
	// TokenCommand prints an opaque token on stdout. When unset, a locally
	// generated random token is used instead.
	TokenCommand []string

	Timeout time.Duration
	Logger  *log.Logger
}

var portPattern = regexp.MustCompile(`\d{2,5}`)

func (b ExecBroker) AcquirePort(ctx context.Context) (int, error) {
	out, err := b.run(ctx, b.AcquireCommand)
	if err != nil {
		return 0, errors.Wrap(err, "acquire port")
	}

	match := portPattern.FindString(out)
	if match == "" {
		return 0, errors.Wrapf(ErrNoPortsAvailable, "broker output %q", strings.TrimSpace(out))
	}

	port, err := strconv.Atoi(match)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", match)
	}
	return port, nil
}

func (b ExecBroker) ReleasePort(ctx context.Context, port int) error {
	args := append(append([]string{}, b.ReleaseCommand...), strconv.Itoa(port))
	if _, err := b.run(ctx, args); err != nil {
		return errors.Wrapf(err, "release port %d", port)
	}
	return nil
}

func (b ExecBroker) AcquireToken(ctx context.Context) (string, error) {
	if len(b.TokenCommand) == 0 {
		return newToken(24)
	}

	out, err := b.run(ctx, b.TokenCommand)
	if err != nil {
		return "", errors.Wrap(err, "acquire token")
	}

	token := strings.TrimSpace(out)
	if token == "" {
		return "", errors.New("broker returned empty token")
	}
	return token, nil
}

func (b ExecBroker) run(ctx context.Context, command []string) (string, error) {
	if len(command) == 0 {
		return "", errors.New("broker command not configured")
	}

	timeout := b.Timeout
	if timeout == 0 {
		timeout = defaultBrokerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if b.Logger != nil {
		b.Logger.Debugw("Broker exec", "command", command[0])
	}

	out, err := exec.CommandContext(ctx, command[0], command[1:]...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "%s: %s", command[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
