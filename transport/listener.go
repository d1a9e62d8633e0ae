package transport

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/epeer1/axon-vision-ha/errors"
	"github.com/epeer1/axon-vision-ha/pkg/retry"
)

// maxSocketPath is the portable limit on unix socket path length.
const maxSocketPath = 104

// Listener accepts framed connections on an endpoint.
type Listener struct {
	ln net.Listener
	ep Endpoint
}

// Listen binds ep, retrying bind failures with cfg. A stale socket file left
// by a previous run is removed first. When the attempts are exhausted the
// error is fatal.
func Listen(ctx context.Context, ep Endpoint, cfg retry.Config) (*Listener, error) {
	if ep.Kind == KindUnix {
		if len(ep.Address) >= maxSocketPath {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: socket path %q is too long", errors.ErrInvalidConfig, ep.Address),
				"transport", "Listen", "socket path check")
		}
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o700); err != nil {
			return nil, errors.WrapFatal(err, "transport", "Listen", "create socket dir")
		}
	}

	ln, err := retry.DoWithResult(ctx, cfg, func() (net.Listener, error) {
		if ep.Kind == KindUnix {
			if err := removeStaleSocket(ep.Address); err != nil {
				return nil, retry.NonRetryable(err)
			}
		}
		ln, err := net.Listen(ep.Network(), ep.Address)
		if err != nil {
			return nil, errors.Transport(err, "transport", "Listen", ep.String())
		}
		return ln, nil
	})
	if err != nil {
		return nil, exhausted(ctx, err, "Listen", "bind "+ep.String())
	}
	return &Listener{ln: ln, ep: ep}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Transport(err, "Listener", "Accept", l.ep.String())
	}
	return NewConn(c, l.ep), nil
}

// Close stops accepting and removes the socket file of a unix endpoint.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Endpoint() Endpoint {
	return l.ep
}

// Addr returns the bound address; useful with TCP port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Dial connects to ep, retrying with cfg. When the attempts are exhausted
// the error is fatal.
func Dial(ctx context.Context, ep Endpoint, cfg retry.Config) (*Conn, error) {
	var d net.Dialer
	c, err := retry.DoWithResult(ctx, cfg, func() (net.Conn, error) {
		c, err := d.DialContext(ctx, ep.Network(), ep.Address)
		if err != nil {
			return nil, errors.Transport(err, "transport", "Dial", ep.String())
		}
		return c, nil
	})
	if err != nil {
		return nil, exhausted(ctx, err, "Dial", "connect "+ep.String())
	}
	return NewConn(c, ep), nil
}

func exhausted(ctx context.Context, err error, method, action string) error {
	if ctx.Err() != nil || retry.IsNonRetryable(err) {
		return errors.Wrap(err, "transport", method, action)
	}
	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, err), "transport", method, action)
}

// removeStaleSocket deletes a socket file at path. Anything else at path is
// left alone and reported.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
