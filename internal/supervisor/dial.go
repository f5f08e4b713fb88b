package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
)

// StreamDialer opens the encrypted byte stream to a server address. *tls.Dialer is the usual implementation.
type StreamDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dial resolves host and connects to the first reachable address. Each phase runs under its own timeout
// from the policy. The returned conn fails reads with connector.ErrTimeout when the server stays silent
// past the first-byte timeout before its first byte, or past the idle-read timeout afterwards.
func Dial(ctx context.Context, resolver Resolver, dialer StreamDialer, host string, port int, policy db.ConnectionPolicy) (net.Conn, error) {
	addrs, err := resolve(ctx, resolver, host, policy.DNSTimeout)
	if err != nil {
		return nil, err
	}

	var errs []error

	for _, addr := range addrs {
		conn, err := dialOne(ctx, dialer, net.JoinHostPort(addr, strconv.Itoa(port)), policy.ConnectTimeout)
		if err == nil {
			return newDeadlineConn(conn, policy.FirstByteTimeout, policy.IdleReadTimeout), nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		errs = append(errs, err)
	}

	return nil, errors.Join(errs...)
}

func resolve(ctx context.Context, resolver Resolver, host string, timeout time.Duration) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	dnsCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupHost(dnsCtx, host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: resolving %v", connector.ErrTimeout, host)
		}

		return nil, fmt.Errorf("%w: resolving %v: %v", connector.ErrUnreachable, host, err)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %v", connector.ErrUnreachable, host)
	}

	return addrs, nil
}

func dialOne(ctx context.Context, dialer StreamDialer, addr string, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: connecting to %v", connector.ErrTimeout, addr)
		}

		return nil, fmt.Errorf("%w: connecting to %v: %v", connector.ErrUnreachable, addr, err)
	}

	return conn, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// deadlineConn arms a read deadline before every read.
type deadlineConn struct {
	net.Conn

	firstByte, idle time.Duration

	lock     sync.Mutex
	seenByte bool
}

func newDeadlineConn(conn net.Conn, firstByte, idle time.Duration) *deadlineConn {
	return &deadlineConn{Conn: conn, firstByte: firstByte, idle: idle}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	c.lock.Lock()
	timeout := c.idle
	if !c.seenByte {
		timeout = c.firstByte
	}
	c.lock.Unlock()

	if timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}

	n, err := c.Conn.Read(b)

	if n > 0 {
		c.lock.Lock()
		c.seenByte = true
		c.lock.Unlock()
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, &timeoutError{err: err}
	}

	return n, err
}

// timeoutError keeps behaving as a net.Error for the protocol clients while matching connector.ErrTimeout.
type timeoutError struct {
	err error
}

func (e *timeoutError) Error() string   { return fmt.Sprintf("%v: %v", connector.ErrTimeout, e.err) }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func (e *timeoutError) Unwrap() []error {
	return []error{connector.ErrTimeout, e.err}
}
