// Package httpproxy implements the HTTP CONNECT and plain-HTTP tunneling
// front-end (spec.md §4.5): it reads a bounded request header block, either
// tunnels raw bytes (CONNECT) or re-serializes the request in origin-form
// before handing the connection to a Dialer and relaying.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/bpowers/sockshub/internal/addr"
	"github.com/bpowers/sockshub/internal/hub"
	"github.com/bpowers/sockshub/internal/relay"
)

// maxHeaderBytes bounds the request-line-plus-headers block read from the
// client before the first CRLFCRLF; overflow is a 400 (spec.md §4.5).
const maxHeaderBytes = 8 * 1024

var errHeaderTooLarge = errors.New("httpproxy: request header exceeds 8KiB")

// Credentials gates both CONNECT and plain-HTTP requests with HTTP Basic
// proxy authentication (spec.md §4.5). A nil Credentials on Server disables
// the check.
type Credentials struct {
	Username string
	Password string
}

// Dialer resolves a destination to a live connection, applying the ACL
// (spec.md §4.7). *hub.Dialer satisfies this.
type Dialer interface {
	Dial(ctx context.Context, dst addr.Destination) (net.Conn, error)
}

// Server serves HTTP proxy connections.
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

// hopByHopHeaders are stripped before re-serializing a plain-HTTP request
// upstream; they describe this hop, not the one beyond it.
var hopByHopHeaders = []string{
	"Proxy-Authorization",
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Upgrade",
}

// ServeConn drives one client session: ReadHead → (AuthCheck?) →
// {Tunnel|Rewrite} → Dial → SendResponseHeader → Relay → Done (spec.md
// §4.8).
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	header, leftover, err := readHeaderBlock(conn)
	if err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			writeSimpleResponse(conn, http.StatusBadRequest, "Bad Request")
		}
		s.logger().Debug("httpproxy: header read failed", "err", err)
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "Bad Request")
		s.logger().Debug("httpproxy: malformed request line", "err", err)
		return
	}

	if s.Credentials != nil && !s.checkAuth(req) {
		writeUnauthorized(conn)
		return
	}

	client := &bufferedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(leftover), conn)}

	if req.Method == http.MethodConnect {
		s.serveConnect(ctx, client, req)
		return
	}
	s.servePlain(ctx, client, req)
}

func (s *Server) checkAuth(req *http.Request) bool {
	hdr := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(hdr, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(hdr[len(prefix):])
	if err != nil {
		return false
	}
	sep := bytes.IndexByte(decoded, ':')
	if sep < 0 {
		return false
	}
	user, pass := decoded[:sep], decoded[sep+1:]
	userOK := subtle.ConstantTimeCompare(user, []byte(s.Credentials.Username)) == 1
	passOK := subtle.ConstantTimeCompare(pass, []byte(s.Credentials.Password)) == 1
	return userOK && passOK
}

func (s *Server) serveConnect(ctx context.Context, client *bufferedConn, req *http.Request) {
	dst, err := addr.ParseHostPort(req.Host)
	if err != nil {
		writeSimpleResponse(client, http.StatusBadRequest, "Bad Request")
		return
	}

	remote, err := s.Dialer.Dial(ctx, dst)
	if err != nil {
		s.writeDialError(client, err)
		return
	}
	defer remote.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	relay.Run(ctx, client, remote, s.RelayOpts)
}

func (s *Server) servePlain(ctx context.Context, client *bufferedConn, req *http.Request) {
	if req.URL.Host == "" {
		// Not an absolute-form target: out of scope for this front-end
		// (spec.md §4.5 only covers CONNECT and absolute-URI requests).
		writeSimpleResponse(client, http.StatusBadRequest, "Bad Request")
		return
	}
	host, port := req.URL.Host, "80"
	if h, p, err := net.SplitHostPort(req.URL.Host); err == nil {
		host, port = h, p
	}
	dst, err := addr.ParseHost(host, parsePortOrDefault(port, 80))
	if err != nil {
		writeSimpleResponse(client, http.StatusBadRequest, "Bad Request")
		return
	}

	remote, err := s.Dialer.Dial(ctx, dst)
	if err != nil {
		s.writeDialError(client, err)
		return
	}
	defer remote.Close()

	if err := writeOriginFormRequest(remote, req, host, port); err != nil {
		return
	}
	relay.Run(ctx, client, remote, s.RelayOpts)
}

// writeOriginFormRequest re-serializes req with the target converted to
// origin-form and a normalized Host header, stripping hop-by-hop headers
// (spec.md §4.5).
func writeOriginFormRequest(w io.Writer, req *http.Request, host, port string) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, uri)

	normalizedHost := host
	if port != "" && port != "80" {
		normalizedHost = net.JoinHostPort(host, port)
	}
	fmt.Fprintf(&b, "Host: %s\r\n", normalizedHost)

	for name, values := range req.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	_, err := w.Write(b.Bytes())
	return err
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func parsePortOrDefault(port string, def uint16) uint16 {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint16(n)
}

// writeDialError always replies 502: the wire behavior (spec.md §6) defines
// only 400/407/502/200, so a policy reject and a failed dial are both
// reported as Bad Gateway (spec.md §7, §8 scenario 3).
func (s *Server) writeDialError(conn io.Writer, err error) {
	var rejected *hub.RejectedError
	if errors.As(err, &rejected) {
		s.logger().Info("rejected by policy", "err", err)
	}
	writeSimpleResponse(conn, http.StatusBadGateway, "Bad Gateway")
}

func writeUnauthorized(w io.Writer) {
	fmt.Fprintf(w, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
		"Proxy-Authenticate: Basic realm=\"socks-hub\"\r\n"+
		"Content-Length: 0\r\nConnection: close\r\n\r\n")
}

func writeSimpleResponse(w io.Writer, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, text)
}

// readHeaderBlock reads from r until it has seen a CRLFCRLF (end of the
// request-line-plus-headers block) or exceeded maxHeaderBytes. It returns
// the header block and any bytes already read past it (body or pipelined
// data) for the caller to thread back into the client's read stream.
func readHeaderBlock(r io.Reader) (header, leftover []byte, err error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	scanned := 0 // bytes already known not to contain the terminator
	for {
		// Only the new bytes plus a 3-byte overlap can start a terminator
		// that wasn't visible in the previous pass.
		from := scanned - 3
		if from < 0 {
			from = 0
		}
		if idx := bytes.Index(buf[from:], []byte("\r\n\r\n")); idx >= 0 {
			end := from + idx
			if end+4 > maxHeaderBytes {
				return nil, nil, errHeaderTooLarge
			}
			return buf[:end+4], buf[end+4:], nil
		}
		scanned = len(buf)
		if len(buf) > maxHeaderBytes {
			return nil, nil, errHeaderTooLarge
		}
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF && len(buf) > 0 {
				rerr = fmt.Errorf("httpproxy: connection closed mid-header: %w", rerr)
			}
			return nil, nil, rerr
		}
	}
}

// bufferedConn lets relay read the leftover header bytes before falling
// through to the raw connection, while preserving Write/Close/CloseWrite
// from the underlying conn.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedConn) CloseWrite() error {
	if hc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
