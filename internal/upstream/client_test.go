package upstream

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/sockshub/internal/addr"
)

// fakeServer drives one SOCKS5 server-side exchange for a test by running
// script against server in its own goroutine.
func fakeServer(t *testing.T, server net.Conn, script func(net.Conn)) {
	t.Helper()
	go script(server)
}

func dialPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	client, server = net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

type pipeDialer struct {
	conn net.Conn
}

func (p *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return p.conn, nil
}

func TestConnect_NoAuthSuccess(t *testing.T) {
	client, server := dialPair(t)
	fakeServer(t, server, func(s net.Conn) {
		buf := make([]byte, 3)
		io_ReadFull(t, s, buf)
		s.Write([]byte{0x05, 0x00})
		req := make([]byte, 10) // VER CMD RSV ATYP(IPv4) + 4 addr + 2 port
		io_ReadFull(t, s, req)
		s.Write([]byte{0x05, 0x00, 0x00, 0x01, 93, 184, 216, 34, 0, 80})
	})

	c := &Client{ServerAddr: "upstream:1080", Dialer: &pipeDialer{conn: client}}
	dst := addr.NewIP(mustIP("93.184.216.34"), 443)
	conn, err := c.Connect(context.Background(), dst)
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestConnect_AuthSuccess(t *testing.T) {
	client, server := dialPair(t)
	fakeServer(t, server, func(s net.Conn) {
		greet := make([]byte, 4)
		io_ReadFull(t, s, greet)
		assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x02}, greet)
		s.Write([]byte{0x05, 0x02})

		authHead := make([]byte, 2)
		io_ReadFull(t, s, authHead)
		uname := make([]byte, authHead[1])
		io_ReadFull(t, s, uname)
		plen := make([]byte, 1)
		io_ReadFull(t, s, plen)
		pass := make([]byte, plen[0])
		io_ReadFull(t, s, pass)
		s.Write([]byte{0x01, 0x00})

		req := make([]byte, 18) // VER CMD RSV ATYP(domain) LEN + 11-byte "example.com" + 2 port
		io_ReadFull(t, s, req)
		s.Write([]byte{0x05, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0, 80})
	})

	c := &Client{
		ServerAddr:  "upstream:1080",
		Credentials: &Credentials{Username: []byte("alice"), Password: []byte("hunter2")},
		Dialer:      &pipeDialer{conn: client},
	}
	dst, err := addr.NewDomain("example.com", 443)
	require.NoError(t, err)
	conn, err := c.Connect(context.Background(), dst)
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestConnect_AuthFailed(t *testing.T) {
	client, server := dialPair(t)
	fakeServer(t, server, func(s net.Conn) {
		greet := make([]byte, 4)
		io_ReadFull(t, s, greet)
		assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x02}, greet)
		s.Write([]byte{0x05, 0x02})
		authHead := make([]byte, 2)
		io_ReadFull(t, s, authHead)
		uname := make([]byte, authHead[1])
		io_ReadFull(t, s, uname)
		plen := make([]byte, 1)
		io_ReadFull(t, s, plen)
		pass := make([]byte, plen[0])
		io_ReadFull(t, s, pass)
		s.Write([]byte{0x01, 0x01}) // failure status
	})

	c := &Client{
		ServerAddr:  "upstream:1080",
		Credentials: &Credentials{Username: []byte("alice"), Password: []byte("wrong")},
		Dialer:      &pipeDialer{conn: client},
	}
	dst, err := addr.NewDomain("example.com", 443)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), dst)
	require.Error(t, err)
	var authErr *AuthFailedError
	assert.ErrorAs(t, err, &authErr)
}

func TestConnect_NoAcceptableMethod(t *testing.T) {
	client, server := dialPair(t)
	fakeServer(t, server, func(s net.Conn) {
		greet := make([]byte, 3)
		io_ReadFull(t, s, greet)
		s.Write([]byte{0x05, 0xFF})
	})

	c := &Client{ServerAddr: "upstream:1080", Dialer: &pipeDialer{conn: client}}
	dst, err := addr.NewDomain("example.com", 443)
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), dst)
	require.Error(t, err)
	var unavail *AuthUnavailableError
	assert.ErrorAs(t, err, &unavail)
}

func TestConnect_ReplyRefused(t *testing.T) {
	client, server := dialPair(t)
	fakeServer(t, server, func(s net.Conn) {
		greet := make([]byte, 3)
		io_ReadFull(t, s, greet)
		s.Write([]byte{0x05, 0x00})
		req := make([]byte, 10)
		io_ReadFull(t, s, req)
		s.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // connection refused
	})

	c := &Client{ServerAddr: "upstream:1080", Dialer: &pipeDialer{conn: client}}
	dst := addr.NewIP(mustIP("1.2.3.4"), 22)
	_, err := c.Connect(context.Background(), dst)
	require.Error(t, err)
	var connErr *ConnectFailedError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, byte(0x05), connErr.Rep)
}

func TestConnect_CredentialLengthBoundary(t *testing.T) {
	longOK := make([]byte, 255)
	longTooLong := make([]byte, 256)

	t.Run("255 octets accepted", func(t *testing.T) {
		client, server := dialPair(t)
		fakeServer(t, server, func(s net.Conn) {
			greet := make([]byte, 4)
			io_ReadFull(t, s, greet)
			s.Write([]byte{0x05, 0x02})
			authHead := make([]byte, 2)
			io_ReadFull(t, s, authHead)
			require.Equal(t, byte(255), authHead[1])
			uname := make([]byte, authHead[1])
			io_ReadFull(t, s, uname)
			plen := make([]byte, 1)
			io_ReadFull(t, s, plen)
			pass := make([]byte, plen[0])
			io_ReadFull(t, s, pass)
			s.Write([]byte{0x01, 0x00})
			req := make([]byte, 10)
			io_ReadFull(t, s, req)
			s.Write([]byte{0x05, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0, 80})
		})

		c := &Client{
			ServerAddr:  "upstream:1080",
			Credentials: &Credentials{Username: longOK, Password: []byte("p")},
			Dialer:      &pipeDialer{conn: client},
		}
		dst := addr.NewIP(mustIP("1.2.3.4"), 443)
		_, err := c.Connect(context.Background(), dst)
		require.NoError(t, err)
	})

	t.Run("256 octets rejected before dialing", func(t *testing.T) {
		c := &Client{
			ServerAddr:  "upstream:1080",
			Credentials: &Credentials{Username: longTooLong, Password: []byte("p")},
			Dialer: dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
				t.Fatal("must not dial when credentials are oversized")
				return nil, nil
			}),
		}
		dst := addr.NewIP(mustIP("1.2.3.4"), 443)
		_, err := c.Connect(context.Background(), dst)
		require.Error(t, err)
		var tooLong *CredentialsTooLongError
		assert.ErrorAs(t, err, &tooLong)
		assert.Equal(t, "username", tooLong.Field)
	})
}

func TestConnect_DialError(t *testing.T) {
	c := &Client{
		ServerAddr: "upstream:1080",
		Dialer: dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, assertErr
		}),
	}
	dst := addr.NewIP(mustIP("1.2.3.4"), 22)
	_, err := c.Connect(context.Background(), dst)
	require.Error(t, err)
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

var assertErr = errString("dial refused")

type errString string

func (e errString) Error() string { return string(e) }

func io_ReadFull(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		require.NoError(t, err)
		n += m
	}
}

func mustIP(s string) netip.Addr {
	return netip.MustParseAddr(s)
}
