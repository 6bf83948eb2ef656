package addr

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostPort_IPv4(t *testing.T) {
	d, err := ParseHostPort("10.1.2.3:22")
	require.NoError(t, err)
	assert.Equal(t, KindIPv4, d.Kind())
	assert.Equal(t, uint16(22), d.Port())
	assert.Equal(t, "10.1.2.3:22", d.String())
}

func TestParseHostPort_IPv6(t *testing.T) {
	d, err := ParseHostPort("[::1]:443")
	require.NoError(t, err)
	assert.Equal(t, KindIPv6, d.Kind())
	assert.Equal(t, "[::1]:443", d.String())
}

func TestParseHostPort_Domain(t *testing.T) {
	d, err := ParseHostPort("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, KindDomain, d.Kind())
	assert.Equal(t, "example.com", d.Domain())
}

func TestParseHostPort_Malformed(t *testing.T) {
	_, err := ParseHostPort("no-port-here")
	require.Error(t, err)
	var merr *MalformedAddress
	assert.ErrorAs(t, err, &merr)
}

func TestDomainLengthBoundary(t *testing.T) {
	ok := strings.Repeat("a", 253)
	_, err := NewDomain(ok, 80)
	assert.NoError(t, err)

	tooLong := strings.Repeat("a", 254)
	_, err = NewDomain(tooLong, 80)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a, _ := ParseHostPort("Example.com:443")
	b, _ := ParseHostPort("example.com:443")
	assert.True(t, a.Equal(b))

	c, _ := ParseHostPort("example.com:80")
	assert.False(t, a.Equal(c))
}

func TestSOCKS5RoundTrip_IPv4(t *testing.T) {
	d := NewIP(netip.MustParseAddr("192.168.1.1"), 8080)
	buf, err := AppendSOCKS5(nil, d)
	require.NoError(t, err)
	require.Equal(t, ATYPIPv4, buf[0])

	got, err := ReadSOCKS5(bytes.NewReader(buf[1:]), buf[0])
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestSOCKS5RoundTrip_IPv6(t *testing.T) {
	d := NewIP(netip.MustParseAddr("2001:db8::1"), 443)
	buf, err := AppendSOCKS5(nil, d)
	require.NoError(t, err)
	require.Equal(t, ATYPIPv6, buf[0])

	got, err := ReadSOCKS5(bytes.NewReader(buf[1:]), buf[0])
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestSOCKS5RoundTrip_Domain(t *testing.T) {
	d, err := NewDomain("example.com", 443)
	require.NoError(t, err)
	buf, err := AppendSOCKS5(nil, d)
	require.NoError(t, err)
	require.Equal(t, ATYPDomain, buf[0])

	got, err := ReadSOCKS5(bytes.NewReader(buf[1:]), buf[0])
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
}

func TestPunycode(t *testing.T) {
	d, err := NewDomain("xn--n3h.example", 80) // already-ascii form is a no-op
	require.NoError(t, err)
	ascii, err := d.Punycode()
	require.NoError(t, err)
	assert.Equal(t, "xn--n3h.example", ascii)
}
