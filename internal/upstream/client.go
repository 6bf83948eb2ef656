// Package upstream implements the SOCKS5 client used to dial through the
// single configured remote SOCKS5 server (spec.md §4.3): greeting, method
// selection, optional RFC 1929 subnegotiation, then the CONNECT request,
// following the read/decide/write shape of Jigsaw-Code/outline-sdk's
// transport/socks5 dialer.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bpowers/sockshub/internal/addr"
)

const (
	methodNoAuth   byte = 0x00
	methodUserPass byte = 0x02

	authVersion = 0x01
)

// HandshakeTimeout bounds the whole upstream handshake: one deadline covers
// the dial and the greeting/auth/CONNECT exchange together, not each
// round-trip separately. When it expires, Connect returns the wrapped
// timeout error; it is not reported as a ConnectFailedError.
const HandshakeTimeout = 10 * time.Second

// Credentials is the optional username/password pair used for RFC 1929
// subnegotiation with the upstream server (spec.md §3).
type Credentials struct {
	Username []byte
	Password []byte
}

// AuthUnavailableError is returned when the upstream selects 0xFF (no
// acceptable method) or a method the client never offered.
type AuthUnavailableError struct {
	Method byte
}

func (e *AuthUnavailableError) Error() string {
	return fmt.Sprintf("upstream: no acceptable auth method (selected 0x%02x)", e.Method)
}

// AuthFailedError is returned when RFC 1929 subnegotiation returns a
// non-zero status.
type AuthFailedError struct {
	Status byte
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("upstream: authentication failed (status 0x%02x)", e.Status)
}

// CredentialsTooLongError is returned when a configured username or password
// exceeds the RFC 1929 field limit of 255 octets (spec.md §3: "each is a
// byte string ≤ 255 octets"): the wire format encodes each field's length in
// a single byte, so a longer value cannot be represented, let alone sent.
type CredentialsTooLongError struct {
	Field string // "username" or "password"
	Len   int
}

func (e *CredentialsTooLongError) Error() string {
	return fmt.Sprintf("upstream: %s is %d octets, exceeds the 255-octet RFC 1929 limit", e.Field, e.Len)
}

// ConnectFailedError wraps a non-zero SOCKS5 REP code from the upstream's
// CONNECT reply (spec.md §4.3 step 5).
type ConnectFailedError struct {
	Rep byte
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("upstream: connect failed (rep 0x%02x: %s)", e.Rep, repString(e.Rep))
}

func repString(rep byte) string {
	switch rep {
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return "unknown"
	}
}

// Client dials the configured upstream SOCKS5 server and performs the
// CONNECT handshake for a given destination.
type Client struct {
	// ServerAddr is the upstream SOCKS5 endpoint, "host:port".
	ServerAddr string
	// Credentials, if non-nil, is offered for RFC 1929 subnegotiation.
	Credentials *Credentials
	// Dialer is used to reach ServerAddr. A zero value uses net.Dialer{}.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
}

func (c *Client) dialer() interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
} {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{}
}

// Connect performs the full handshake (greeting, optional auth, CONNECT)
// against the upstream server and returns the live connection, positioned
// right after the reply (spec.md §4.3).
func (c *Client) Connect(ctx context.Context, dst addr.Destination) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	if c.Credentials != nil {
		if len(c.Credentials.Username) > 255 {
			return nil, &CredentialsTooLongError{Field: "username", Len: len(c.Credentials.Username)}
		}
		if len(c.Credentials.Password) > 255 {
			return nil, &CredentialsTooLongError{Field: "password", Len: len(c.Credentials.Password)}
		}
	}

	conn, err := c.dialer().DialContext(ctx, "tcp", c.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", c.ServerAddr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if err := c.negotiate(conn, dst); err != nil {
		return nil, err
	}

	// Handshake complete: clear the deadline so the relay isn't bound by
	// it (the idle watchdog in internal/relay takes over from here).
	_ = conn.SetDeadline(time.Time{})
	ok = true
	return conn, nil
}

func (c *Client) negotiate(conn net.Conn, dst addr.Destination) error {
	// NoAuth is always offered; UserPass is added when credentials are
	// configured (spec.md §4.3 step 1). Offering two methods means the
	// server's selection must be read before anything else is sent, so
	// the exchange can no longer be pipelined into one write.
	greeting := []byte{0x05, 0x01, methodNoAuth}
	if c.Credentials != nil {
		greeting = []byte{0x05, 0x02, methodNoAuth, methodUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("upstream: write greeting: %w", err)
	}

	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fmt.Errorf("upstream: read method selection: %w", err)
	}
	if head[0] != 0x05 {
		return fmt.Errorf("upstream: unexpected protocol version 0x%02x", head[0])
	}

	switch head[1] {
	case methodNoAuth:
		// proceed
	case methodUserPass:
		if c.Credentials == nil {
			return &AuthUnavailableError{Method: head[1]}
		}
		var authBuf []byte
		authBuf = append(authBuf, authVersion, byte(len(c.Credentials.Username)))
		authBuf = append(authBuf, c.Credentials.Username...)
		authBuf = append(authBuf, byte(len(c.Credentials.Password)))
		authBuf = append(authBuf, c.Credentials.Password...)
		if _, err := conn.Write(authBuf); err != nil {
			return fmt.Errorf("upstream: write auth: %w", err)
		}
		if err := readAuthReply(conn); err != nil {
			return err
		}
	default:
		return &AuthUnavailableError{Method: head[1]}
	}

	req := []byte{0x05, 0x01, 0x00} // VER, CMD=CONNECT, RSV
	req, err := addr.AppendSOCKS5(req, dst)
	if err != nil {
		return fmt.Errorf("upstream: encode destination: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("upstream: write request: %w", err)
	}

	return readConnectReply(conn)
}

func readAuthReply(conn net.Conn) error {
	var rep [2]byte
	if _, err := io.ReadFull(conn, rep[:]); err != nil {
		return fmt.Errorf("upstream: read auth reply: %w", err)
	}
	if rep[0] != authVersion {
		return fmt.Errorf("upstream: unexpected auth version 0x%02x", rep[0])
	}
	if rep[1] != 0x00 {
		return &AuthFailedError{Status: rep[1]}
	}
	return nil
}

func readConnectReply(conn net.Conn) error {
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fmt.Errorf("upstream: read connect reply: %w", err)
	}
	if head[0] != 0x05 {
		return fmt.Errorf("upstream: unexpected protocol version 0x%02x", head[0])
	}
	if head[1] != 0x00 {
		return &ConnectFailedError{Rep: head[1]}
	}
	// BND.ADDR/BND.PORT are read and discarded (spec.md §4.3 step 5).
	if _, err := addr.ReadSOCKS5(conn, head[3]); err != nil {
		return fmt.Errorf("upstream: read bound address: %w", err)
	}
	return nil
}
