package supervisor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/db"
	"github.com/stretchr/testify/require"
)

type blockingResolver struct{}

func (blockingResolver) LookupHost(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingResolver struct{}

func (failingResolver) LookupHost(context.Context, string) ([]string, error) {
	return nil, errors.New("no such host")
}

type staticResolver []string

func (r staticResolver) LookupHost(context.Context, string) ([]string, error) {
	return r, nil
}

func dialPolicy() db.ConnectionPolicy {
	policy := db.DefaultConnectionPolicy()

	policy.DNSTimeout = 50 * time.Millisecond
	policy.ConnectTimeout = time.Second
	policy.FirstByteTimeout = 50 * time.Millisecond
	policy.IdleReadTimeout = 100 * time.Millisecond

	return policy
}

func TestDial_DNSFailures(t *testing.T) {
	ctx := context.Background()

	_, err := Dial(ctx, blockingResolver{}, &net.Dialer{}, "mail.example.com", 993, dialPolicy())
	require.ErrorIs(t, err, connector.ErrTimeout)

	_, err = Dial(ctx, failingResolver{}, &net.Dialer{}, "mail.example.com", 993, dialPolicy())
	require.ErrorIs(t, err, connector.ErrUnreachable)
	require.True(t, connector.IsTransient(err))
}

func TestDial_ReadTimeouts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer func() { require.NoError(t, l.Close()) }()

	accepted := make(chan net.Conn, 1)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}

		accepted <- conn
	}()

	port := l.Addr().(*net.TCPAddr).Port

	conn, err := Dial(context.Background(), staticResolver{"127.0.0.1"}, &net.Dialer{}, "localhost", port, dialPolicy())
	require.NoError(t, err)

	defer func() { require.NoError(t, conn.Close()) }()

	server := <-accepted
	require.NotNil(t, server)

	defer func() { require.NoError(t, server.Close()) }()

	buf := make([]byte, 16)

	// The server never greets.
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, connector.ErrTimeout)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())

	_, err = server.Write([]byte("* OK\r\n"))
	require.NoError(t, err)

	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "* OK\r\n", string(buf[:n]))

	start := time.Now()

	_, err = conn.Read(buf)
	require.ErrorIs(t, err, connector.ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDial_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), staticResolver{"127.0.0.1"}, &net.Dialer{}, "localhost", port, dialPolicy())
	require.ErrorIs(t, err, connector.ErrUnreachable)
}
