// Package addr implements the destination address model shared by every
// front-end and the upstream client: a tagged value identifying a target as
// either an IP literal or a domain name, plus parsers and encoders for the
// wire representations used by HTTP, SOCKS5, and ACL pattern text.
package addr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Kind distinguishes the three forms a Destination can take.
type Kind int

const (
	// KindIPv4 identifies a Destination holding an IPv4 literal.
	KindIPv4 Kind = iota
	// KindIPv6 identifies a Destination holding an IPv6 literal.
	KindIPv6
	// KindDomain identifies a Destination holding a domain name.
	KindDomain
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// maxDomainLength is the wire limit for a SOCKS5 ATYP 0x03 domain: the
// length field is one byte, so 255 is the hard ceiling, but RFC 1035 limits
// a valid hostname to 253 octets and that is the limit this package
// enforces (spec.md §8 boundary: 253 accepted, 254 rejected).
const maxDomainLength = 253

// Destination is an immutable target endpoint: an IP literal and port, or a
// domain name and port. Transformations (e.g. Punycode) return new values;
// the receiver is never mutated.
type Destination struct {
	kind   Kind
	ip     netip.Addr
	domain string // original UTF-8 form; punycode is computed on demand
	port   uint16
}

// MalformedAddress reports a failure to parse an address, with the byte
// offset of the offending octet for logs (spec.md §4.1).
type MalformedAddress struct {
	Input  string
	Offset int
	Reason string
}

func (e *MalformedAddress) Error() string {
	return fmt.Sprintf("malformed address %q at offset %d: %s", e.Input, e.Offset, e.Reason)
}

// NewIP builds a Destination from a parsed IP literal and port.
func NewIP(ip netip.Addr, port uint16) Destination {
	ip = ip.Unmap()
	k := KindIPv4
	if ip.Is6() {
		k = KindIPv6
	}
	return Destination{kind: k, ip: ip, port: port}
}

// NewDomain builds a Destination from a domain name and port. The domain is
// stored verbatim (UTF-8 preserved); it is not validated here beyond length.
func NewDomain(name string, port uint16) (Destination, error) {
	if len(name) == 0 {
		return Destination{}, &MalformedAddress{Input: name, Offset: 0, Reason: "empty domain"}
	}
	if len(name) > maxDomainLength {
		return Destination{}, &MalformedAddress{Input: name, Offset: maxDomainLength, Reason: "domain exceeds 253 octets"}
	}
	return Destination{kind: KindDomain, domain: name, port: port}, nil
}

// Kind reports which form the Destination holds.
func (d Destination) Kind() Kind { return d.kind }

// Port returns the destination port.
func (d Destination) Port() uint16 { return d.port }

// IsIP reports whether the destination is an IP literal (v4 or v6).
func (d Destination) IsIP() bool { return d.kind == KindIPv4 || d.kind == KindIPv6 }

// IP returns the IP literal. Only valid when IsIP() is true.
func (d Destination) IP() netip.Addr { return d.ip }

// Domain returns the original UTF-8 domain name. Only valid when
// Kind() == KindDomain.
func (d Destination) Domain() string { return d.domain }

// Punycode returns the ASCII (punycode, when needed) form of a domain
// destination, for wire fields that require it. IP destinations return
// their string form unchanged.
func (d Destination) Punycode() (string, error) {
	if d.kind != KindDomain {
		return d.ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(d.domain)
	if err != nil {
		return "", fmt.Errorf("punycode-encode %q: %w", d.domain, err)
	}
	return ascii, nil
}

// Host returns the textual host part: the IP literal's string form, or the
// domain's original UTF-8 form.
func (d Destination) Host() string {
	if d.IsIP() {
		return d.ip.String()
	}
	return d.domain
}

// String renders the destination as host:port, bracketing IPv6 literals.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.port)))
}

// Equal reports whether two destinations carry the same tag and payload.
func (d Destination) Equal(o Destination) bool {
	if d.kind != o.kind || d.port != o.port {
		return false
	}
	if d.IsIP() {
		return d.ip == o.ip
	}
	return strings.EqualFold(d.domain, o.domain)
}

// ParseHostPort parses the textual "host:port" form used by HTTP CONNECT
// targets and ACL probe inputs. The host may be a bracketed IPv6 literal, a
// bare IPv4 literal, or a domain name.
func ParseHostPort(hostport string) (Destination, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Destination{}, &MalformedAddress{Input: hostport, Offset: 0, Reason: err.Error()}
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Destination{}, &MalformedAddress{Input: hostport, Offset: len(host) + 1, Reason: "invalid port"}
	}
	return ParseHost(host, uint16(portNum))
}

// ParseHost classifies a bare host string (no port) as an IP literal or
// domain and builds a Destination with the given port.
func ParseHost(host string, port uint16) (Destination, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return NewIP(ip, port), nil
	}
	return NewDomain(host, port)
}

// SOCKS5 address type octets, RFC 1928 §5.
const (
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04
)

// AppendSOCKS5 appends the SOCKS5 wire encoding of d (ATYP, ADDR, PORT) to
// buf and returns the extended slice. Domain destinations are sent in their
// punycode (ASCII) form, unresolved, so the far side performs DNS
// resolution (spec.md §4.3 step 4).
func AppendSOCKS5(buf []byte, d Destination) ([]byte, error) {
	switch d.kind {
	case KindIPv4:
		a4 := d.ip.As4()
		buf = append(buf, ATYPIPv4)
		buf = append(buf, a4[:]...)
	case KindIPv6:
		a16 := d.ip.As16()
		buf = append(buf, ATYPIPv6)
		buf = append(buf, a16[:]...)
	case KindDomain:
		ascii, err := d.Punycode()
		if err != nil {
			return nil, err
		}
		if len(ascii) > 255 {
			return nil, &MalformedAddress{Input: ascii, Offset: 255, Reason: "encoded domain exceeds 255 octets"}
		}
		buf = append(buf, ATYPDomain, byte(len(ascii)))
		buf = append(buf, ascii...)
	default:
		return nil, fmt.Errorf("unknown destination kind %v", d.kind)
	}
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], d.port)
	return append(buf, portBytes[:]...), nil
}

// ReadSOCKS5 reads a SOCKS5 address record (ATYP already consumed by the
// caller and passed in atyp) from r and returns the parsed Destination.
func ReadSOCKS5(r io.Reader, atyp byte) (Destination, error) {
	switch atyp {
	case ATYPIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Destination{}, fmt.Errorf("read ipv4 address: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Destination{}, err
		}
		return NewIP(netip.AddrFrom4(b), port), nil
	case ATYPIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Destination{}, fmt.Errorf("read ipv6 address: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Destination{}, err
		}
		return NewIP(netip.AddrFrom16(b), port), nil
	case ATYPDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Destination{}, fmt.Errorf("read domain length: %w", err)
		}
		nameBuf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return Destination{}, fmt.Errorf("read domain: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Destination{}, err
		}
		return NewDomain(string(nameBuf), port)
	default:
		return Destination{}, &MalformedAddress{Input: fmt.Sprintf("atyp=0x%02x", atyp), Offset: 0, Reason: "unsupported address type"}
	}
}

func readPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read port: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
