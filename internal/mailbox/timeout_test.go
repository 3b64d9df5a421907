package mailbox

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and never writes, simulating a hung
// mail server. Returns the address to dial.
func silentServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
		}
	}()

	return ln.Addr().String()
}

func TestListUnreadReturnsOnContextDeadline(t *testing.T) {
	addr := silentServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	transport := NewIMAP(
		IMAPConfig{Host: host, Port: port, Username: "u", Password: "p", TLS: false},
		SMTPConfig{},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = transport.ListUnread(ctx, 10)

	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.Less(t, time.Since(start), 2*time.Second,
		"a hung server must not stall past the context deadline")
}

func TestGetMessageReturnsOnContextDeadline(t *testing.T) {
	addr := silentServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	transport := NewIMAP(
		IMAPConfig{Host: host, Port: port, Username: "u", Password: "p", TLS: false},
		SMTPConfig{},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = transport.GetMessage(ctx, "1")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestSendReturnsOnContextDeadline(t *testing.T) {
	addr := silentServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	transport := NewIMAP(
		IMAPConfig{Host: "imap.invalid", Port: "143", Username: "u", Password: "p"},
		SMTPConfig{Host: host, Port: port, Username: "u", Password: "p", TLS: false},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = transport.Send(ctx, "rcpt@example.com", []byte("body"))

	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSendSMTPAfterExpiredContext(t *testing.T) {
	addr := silentServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sendSMTP(ctx, SMTPConfig{Host: host, Port: port}, "a@b", "c@d", []byte("x"))
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
