package relay

import (
	"context"
	"runtime"
	"sync"

	"github.com/streamspace/relayd/internal/backend"
	"github.com/streamspace/relayd/internal/logger"
)

// Registry is the process-wide map of document id -> Channel (spec.md
// §4.6). At most one Channel exists per document id at any time
// (invariant I1).
//
// Grounded on internal/websocket/hub.go, generalized from "one process,
// one Hub" to "one process, one Hub per document id, registry-owned".
type Registry struct {
	backend *backend.Client
	handler *MessageHandler
	expire  ExpireSeconds

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry(be *backend.Client, handler *MessageHandler, expire ExpireSeconds) *Registry {
	return &Registry{
		backend:  be,
		handler:  handler,
		expire:   expire,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreate returns the live Channel for documentID, creating and
// subscribing one if none exists (spec.md §4.4 step 3, invariants
// I1-I3). created reports whether this call made a new Channel; the
// caller must spawn Channel.Listen for a newly created one.
//
// A Channel that is in the process of being reaped (Leave has decided
// to remove it but has not yet done so) is still visible in the map for
// a brief window; GetOrCreate detects this via Channel.closed and spins
// until the reap completes, then creates a fresh Channel. This keeps
// reap-then-recreate atomic without ever holding the registry lock and
// a channel lock at once (no lock-ordering hazard).
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Channel, bool, error) {
	for {
		r.mu.Lock()
		existing, ok := r.channels[documentID]
		r.mu.Unlock()

		if ok {
			if live, closed := existing.markLiveOrClosed(); live {
				return existing, false, nil
			} else if closed {
				runtime.Gosched()
				continue
			}
		}

		sub, err := r.backend.Subscribe(ctx, documentID)
		if err != nil {
			return nil, false, err
		}

		ch := newChannel(documentID, sub, r, r.handler, r.expire)

		r.mu.Lock()
		if _, raced := r.channels[documentID]; raced {
			// Lost a race with another creator; drop ours and retry.
			r.mu.Unlock()
			_ = sub.Reset()
			runtime.Gosched()
			continue
		}
		r.channels[documentID] = ch
		r.mu.Unlock()

		return ch, true, nil
	}
}

// destroy removes the entry for documentID from the registry, if present
// (spec.md §4.5, invariant C2). It does not check which Channel the entry
// holds. Called by Channel.Leave once its client set has emptied.
func (r *Registry) destroy(documentID string) {
	r.mu.Lock()
	delete(r.channels, documentID)
	r.mu.Unlock()

	logger.Relay().Debug().Str("channel", documentID).Msg("channel removed from registry")
}

// Count returns the number of live channels, for health/diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
