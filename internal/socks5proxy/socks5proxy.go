// Package socks5proxy implements the server side of RFC 1928 (spec.md
// §4.6): greeting, optional RFC 1929 subnegotiation, CONNECT request, and
// handoff to a Dialer before relaying.
package socks5proxy

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/bpowers/sockshub/internal/addr"
	"github.com/bpowers/sockshub/internal/hub"
	"github.com/bpowers/sockshub/internal/relay"
	"github.com/bpowers/sockshub/internal/upstream"
)

const (
	version            = 0x05
	cmdConnect         = 0x01
	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	authVersion = 0x01
	authSuccess = 0x00
	authFailure = 0x01

	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repNotAllowed          = 0x02
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnectionRefused   = 0x05
	repTTLExpired          = 0x06
	repCommandNotSupported = 0x07
	repAddrNotSupported    = 0x08
)

// Credentials gates access with RFC 1929 username/password subnegotiation.
// A nil Credentials on Server disables auth entirely, offering NoAuth only.
type Credentials struct {
	Username []byte
	Password []byte
}

// Dialer resolves a destination to a live connection, applying the ACL
// (spec.md §4.7). *hub.Dialer satisfies this.
type Dialer interface {
	Dial(ctx context.Context, dst addr.Destination) (net.Conn, error)
}

// Server serves SOCKS5 connections.
type Server struct {
	Dialer      Dialer
	Credentials *Credentials
	RelayOpts   relay.Options
	Logger      *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ServeConn drives one client session to completion: Greet → (AuthNeg?) →
// Request → Dial → Reply → Relay → Done (spec.md §4.8).
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	authenticated, err := s.negotiateMethod(conn)
	if err != nil {
		s.logger().Debug("socks5: method negotiation failed", "err", err)
		return
	}
	if !authenticated {
		return // negotiateMethod already sent 0xFF or an auth failure reply
	}

	dst, err := s.readRequest(conn)
	if err != nil {
		s.logger().Debug("socks5: request read failed", "err", err)
		return
	}

	remote, err := s.Dialer.Dial(ctx, dst)
	if err != nil {
		rep := mapDialError(err)
		s.logger().Debug("socks5: dial failed", "dest", dst.String(), "rep", rep, "err", err)
		sendReply(conn, rep, nil)
		return
	}
	defer remote.Close()

	sendReply(conn, repSuccess, remote.LocalAddr())
	relay.Run(ctx, conn, remote, s.RelayOpts)
}

// negotiateMethod reads the client's method list and selects UserPass when
// credentials are configured, else NoAuth (spec.md §4.6 step 1-2). The
// returned bool is false when negotiation ended the session (no acceptable
// method, or auth failure) without an error worth logging above Debug.
func (s *Server) negotiateMethod(conn net.Conn) (bool, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return false, fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != version {
		return false, fmt.Errorf("unsupported version 0x%02x", head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return false, fmt.Errorf("read methods: %w", err)
	}

	want := byte(methodNoAuth)
	if s.Credentials != nil {
		want = methodUserPass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{version, methodNoAcceptable})
		return false, nil
	}
	if _, err := conn.Write([]byte{version, want}); err != nil {
		return false, fmt.Errorf("write method selection: %w", err)
	}

	if s.Credentials == nil {
		return true, nil
	}
	return s.authenticate(conn)
}

// authenticate performs RFC 1929 subnegotiation with constant-time
// comparison of both fields (spec.md §4.6 step 2).
func (s *Server) authenticate(conn net.Conn) (bool, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return false, fmt.Errorf("read auth version: %w", err)
	}
	if head[0] != authVersion {
		return false, fmt.Errorf("unsupported auth version 0x%02x", head[0])
	}
	uname := make([]byte, head[1])
	if _, err := io.ReadFull(conn, uname); err != nil {
		return false, fmt.Errorf("read username: %w", err)
	}
	plenBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, plenBuf); err != nil {
		return false, fmt.Errorf("read password length: %w", err)
	}
	pass := make([]byte, plenBuf[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return false, fmt.Errorf("read password: %w", err)
	}

	userOK := subtle.ConstantTimeCompare(uname, s.Credentials.Username) == 1
	passOK := subtle.ConstantTimeCompare(pass, s.Credentials.Password) == 1
	if !userOK || !passOK {
		conn.Write([]byte{authVersion, authFailure})
		return false, nil
	}
	if _, err := conn.Write([]byte{authVersion, authSuccess}); err != nil {
		return false, fmt.Errorf("write auth reply: %w", err)
	}
	return true, nil
}

// readRequest reads the CONNECT request (spec.md §4.6 step 3).
func (s *Server) readRequest(conn net.Conn) (addr.Destination, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return addr.Destination{}, fmt.Errorf("read request header: %w", err)
	}
	if head[0] != version {
		return addr.Destination{}, fmt.Errorf("unsupported version 0x%02x", head[0])
	}
	if head[1] != cmdConnect {
		sendReply(conn, repCommandNotSupported, nil)
		return addr.Destination{}, fmt.Errorf("unsupported command 0x%02x", head[1])
	}

	dst, err := addr.ReadSOCKS5(conn, head[3])
	if err != nil {
		sendReply(conn, repAddrNotSupported, nil)
		return addr.Destination{}, fmt.Errorf("read destination: %w", err)
	}
	return dst, nil
}

// mapDialError translates a Dialer error into the REP code table of
// spec.md §4.6 step 4.
func mapDialError(err error) byte {
	var rejected *hub.RejectedError
	if errors.As(err, &rejected) {
		return repNotAllowed
	}

	var connectFailed *upstream.ConnectFailedError
	if errors.As(err, &connectFailed) {
		return connectFailed.Rep
	}
	var authUnavail *upstream.AuthUnavailableError
	if errors.As(err, &authUnavail) {
		return repGeneralFailure
	}
	var authFailed *upstream.AuthFailedError
	if errors.As(err, &authFailed) {
		return repGeneralFailure
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		switch {
		case netErr.Timeout():
			return repHostUnreachable
		case isRefused(netErr):
			return repConnectionRefused
		case strings.Contains(netErr.Error(), "no route to host"):
			return repHostUnreachable
		case isUnreachable(netErr):
			return repNetworkUnreachable
		}
	}
	return repGeneralFailure
}

func isRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

func isUnreachable(err error) bool {
	return strings.Contains(err.Error(), "network is unreachable")
}

// sendReply writes a SOCKS5 reply. When local is non-nil and a *net.TCPAddr,
// its address/port are used as BND; otherwise BND is zeroed (spec.md §4.6
// step 5).
func sendReply(conn net.Conn, rep byte, local net.Addr) {
	buf := []byte{version, rep, 0x00}
	if tcpAddr, ok := local.(*net.TCPAddr); ok && tcpAddr != nil {
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			buf = append(buf, addr.ATYPIPv4)
			buf = append(buf, ip4...)
		} else {
			buf = append(buf, addr.ATYPIPv6)
			buf = append(buf, tcpAddr.IP.To16()...)
		}
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], uint16(tcpAddr.Port))
		buf = append(buf, portBytes[:]...)
	} else {
		buf = append(buf, addr.ATYPIPv4, 0, 0, 0, 0, 0, 0)
	}
	conn.Write(buf)
}
