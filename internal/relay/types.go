// Package relay implements the per-document channel fabric: a
// concurrency-safe registry of live Channels, each multiplexing a
// backend pub/sub subscription to a fan of connected Clients, with
// authoritative document-state mutations and an operation-whitelisted
// dispatch state machine.
//
// Grounded on internal/websocket/hub.go and internal/websocket/agent_hub.go's
// Hub/Client shape: a registry-owned fan-out object, reference-counted
// lifecycle, per-client buffered send channel, readPump/writePump split.
// This package generalizes that single-hub model to one hub ("Channel")
// per document, keyed by a registry, as spec.md's §4.5-4.6 require.
package relay

import (
	"strings"

	"github.com/streamspace/relayd/internal/auth"
)

// tmpPrefix marks an ephemeral document id: no remote auth, mode is
// always "edit", and the TTL refresh window is shorter.
const tmpPrefix = "tmp-"

// IsEphemeral reports whether documentID names a temporary codespace.
func IsEphemeral(documentID string) bool {
	return strings.HasPrefix(documentID, tmpPrefix)
}

// ExpireSeconds holds the two TTL-refresh windows spec.md §3/§6 names:
// one for permanent documents, one (shorter) for ephemeral ones.
type ExpireSeconds struct {
	Codespace    int
	TmpCodespace int
}

// For returns the refresh window that applies to documentID.
func (e ExpireSeconds) For(documentID string) int {
	if IsEphemeral(documentID) {
		return e.TmpCodespace
	}
	return e.Codespace
}

// Mode re-exports auth.Mode so callers of this package never need to
// import internal/auth just to read a Client's mode.
type Mode = auth.Mode

const (
	ModeEdit     = auth.ModeEdit
	ModeViewOnly = auth.ModeViewOnly
)
