// Package hub implements the dial convergence point and connection
// supervisor described in spec.md §4.7: given a parsed destination it
// consults the ACL, opens either a direct or upstream-proxied connection,
// and owns the accept loop that spawns one task per session.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bpowers/sockshub/internal/acl"
	"github.com/bpowers/sockshub/internal/addr"
	"github.com/bpowers/sockshub/internal/upstream"
)

// RejectedError is returned by Dialer.Dial when the ACL's decision for dst
// is acl.Reject. Front-ends map it to their protocol-specific refusal
// (HTTP 502 Bad Gateway, SOCKS5 REP=0x02 connection not allowed).
type RejectedError struct {
	Dest addr.Destination
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("destination %s rejected by policy", e.Dest)
}

// directDialer is the subset of net.Dialer used for direct connections, so
// tests can substitute a fake.
type directDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// upstreamClient is the subset of *upstream.Client used here.
type upstreamClient interface {
	Connect(ctx context.Context, dst addr.Destination) (net.Conn, error)
}

// Dialer is the convergence point of spec.md §4.7: it evaluates the ACL
// and opens either a direct or upstream-proxied connection to a
// destination. A single instance is shared by every session.
type Dialer struct {
	ACL      *acl.Ruleset
	Upstream upstreamClient
	// Direct dials destinations classified acl.Direct. A nil value uses
	// &net.Dialer{}.
	Direct directDialer
}

func (d *Dialer) direct() directDialer {
	if d.Direct != nil {
		return d.Direct
	}
	return &net.Dialer{}
}

// Dial resolves dst through the ACL and returns a live connection to it,
// or an error: *RejectedError for an ACL reject, or a wrapped dial/upstream
// error otherwise (spec.md §4.7 steps 1-3).
func (d *Dialer) Dial(ctx context.Context, dst addr.Destination) (net.Conn, error) {
	switch d.ACL.Evaluate(dst) {
	case acl.Reject:
		return nil, &RejectedError{Dest: dst}
	case acl.Proxy:
		if d.Upstream == nil {
			return nil, errors.New("hub: proxy policy selected but no upstream configured")
		}
		conn, err := d.Upstream.Connect(ctx, dst)
		if err != nil {
			return nil, fmt.Errorf("hub: upstream dial %s: %w", dst, err)
		}
		return conn, nil
	default: // acl.Direct
		conn, err := d.direct().DialContext(ctx, "tcp", dst.String())
		if err != nil {
			return nil, fmt.Errorf("hub: direct dial %s: %w", dst, err)
		}
		return conn, nil
	}
}

var _ upstreamClient = (*upstream.Client)(nil)
