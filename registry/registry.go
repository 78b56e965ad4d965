// Package registry tracks live client channels and fans events out to
// them. Delivery is best-effort per channel: an unwritable channel is
// skipped, never retried, and never blocks the others.
package registry

import (
	"log/slog"
	"sync"

	"emberchat/domain/event"

	"github.com/samber/lo"
)

// Channel is one connected client's outbound side. Send must not block;
// it returns an error when the transport cannot take the event right now.
type Channel interface {
	Send(e event.Event) error
}

type Registry struct {
	mu       sync.RWMutex
	channels map[Channel]string // channel -> source identity
	log      *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{channels: make(map[Channel]string), log: log}
}

// Register associates a live channel with its source identity.
func (r *Registry) Register(ch Channel, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch] = identity
}

// Unregister drops a channel immediately and unconditionally. Safe to
// call for a channel that was never registered.
func (r *Registry) Unregister(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, ch)
}

// Size returns the number of live channels.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

type registered struct {
	ch       Channel
	identity string
}

// Broadcast delivers e to every channel registered at the moment of the
// call, minus any identities in exclude, and returns how many channels
// accepted it. A channel registering mid-broadcast is not guaranteed the
// event.
func (r *Registry) Broadcast(e event.Event, exclude ...string) int {
	r.mu.RLock()
	snapshot := make([]registered, 0, len(r.channels))
	for ch, identity := range r.channels {
		snapshot = append(snapshot, registered{ch: ch, identity: identity})
	}
	r.mu.RUnlock()

	delivered := 0
	for _, entry := range snapshot {
		if lo.Contains(exclude, entry.identity) {
			continue
		}
		if err := entry.ch.Send(e); err != nil {
			r.log.Debug("channel skipped during broadcast",
				"identity", entry.identity, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
