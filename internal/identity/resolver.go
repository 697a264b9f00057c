// Package identity rewrites aliased addresses to the canonical form used as
// storage identity. WhatsApp threads can be addressed either by phone number
// (user@s.whatsapp.net) or by a hidden LID (user@lid); rows are always keyed
// by the phone-number form when a mapping is known.
package identity

import (
	"context"
	"fmt"
	"strings"
)

const (
	// DefaultUserServer is the canonical addressing domain.
	DefaultUserServer = "s.whatsapp.net"
	// HiddenUserServer is the aliased (LID) addressing domain.
	HiddenUserServer = "lid"
)

// Lookup resolves a LID user to its phone-number user. Implementations may
// return a stale mapping; the store's last-writer-wins upserts absorb that.
// An empty string with nil error means the mapping is unknown.
type Lookup interface {
	PNForLID(ctx context.Context, lidUser string) (string, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, lidUser string) (string, error)

func (f LookupFunc) PNForLID(ctx context.Context, lidUser string) (string, error) {
	return f(ctx, lidUser)
}

// Resolver maps addresses to their canonical form.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a resolver backed by the given alias lookup.
// A nil lookup is allowed; LID addresses then pass through normalized.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the canonical address for addr. Precedence:
//  1. an explicit alternate-address field on the hint record (pnJid),
//  2. the injected alias lookup keyed by the LID user,
//  3. the normalized input itself.
//
// Resolve never returns an empty address without an error.
func (r *Resolver) Resolve(ctx context.Context, addr string, hint map[string]any) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("resolve identity: empty address")
	}

	if hint != nil {
		if alt, ok := hint["pnJid"].(string); ok && alt != "" {
			return Normalize(alt), nil
		}
	}

	user, server := split(addr)
	if server != HiddenUserServer || r.lookup == nil {
		return Normalize(addr), nil
	}

	pn, err := r.lookup.PNForLID(ctx, user)
	if err != nil {
		return "", fmt.Errorf("resolve identity %q: %w", addr, err)
	}
	if pn == "" {
		// No mapping known; keep the LID form so the record is not lost.
		return Normalize(addr), nil
	}
	return Normalize(pn + "@" + DefaultUserServer), nil
}

// Normalize strips the device/agent suffix from the user part of an address.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(addr string) string {
	user, server := split(addr)
	if i := strings.IndexAny(user, ":."); i >= 0 {
		user = user[:i]
	}
	if server == "" {
		return user
	}
	return user + "@" + server
}

func split(addr string) (user, server string) {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}
