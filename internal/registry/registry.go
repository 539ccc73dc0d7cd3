// Package registry is the broker's process-global directory of live
// clients and named groups. It serializes every membership mutation
// behind a single mutex (spec.md §5's "single mutex held for the
// duration of each operation") and performs fanout routing by enqueuing
// shared envelope references into recipients' mailboxes.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/dime-broker/internal/message"
	"github.com/adred-codev/dime-broker/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknownClient is returned when an operation names a client id that
// is not (or no longer) registered.
var ErrUnknownClient = errors.New("dime: unknown client id")

// MailboxLimits bounds a client's mailbox; zero disables that cap.
type MailboxLimits struct {
	MaxItems int
	MaxBytes int
}

// Registry holds the clients map, the group membership map, and the
// reverse index (kept consistent via Client.groups) required by
// invariant I1. All mutations take reg.mu; routing snapshots the
// recipient set under a read lock and releases it before delivering, so
// a slow mailbox write never blocks joins/leaves on other connections.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64

	clients map[uint64]*Client
	groups  map[string]map[uint64]*Client

	limits MailboxLimits
	stats  *Stats
	logger zerolog.Logger
}

// New returns an empty Registry.
func New(limits MailboxLimits, stats *Stats, logger zerolog.Logger) *Registry {
	if stats == nil {
		stats = NewStats()
	}
	return &Registry{
		clients: make(map[uint64]*Client),
		groups:  make(map[string]map[uint64]*Client),
		limits:  limits,
		stats:   stats,
		logger:  logger,
	}
}

// Stats exposes the registry's counters.
func (r *Registry) Stats() *Stats { return r.stats }

// Register allocates a fresh client id and mailbox and makes the client
// visible to routing. Called once a session's handshake succeeds
// (spec.md §4.2: HANDSHAKING -> READY).
func (r *Registry) Register() *Client {
	id := atomic.AddUint64(&r.nextID, 1)

	onDrop := func(reason DropReason) {
		r.stats.envelopeDropped(reason)
		metrics.RecordDropped(string(reason))
	}
	mailbox := NewMailbox(r.limits.MaxItems, r.limits.MaxBytes, onDrop)
	c := newClient(id, mailbox)

	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()

	r.stats.clientRegistered()
	return c
}

// Unregister removes a client from every group it belonged to (via the
// reverse index), destroys groups left empty, and wakes anything still
// waiting on the client's mailbox.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)

	for _, g := range c.groupSnapshot() {
		members := r.groups[g]
		if members == nil {
			continue
		}
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, g)
		}
	}
	r.mu.Unlock()

	c.Mailbox.WakeAll()
	r.stats.clientUnregistered()
}

// SetName records the client's handshake-declared name, if any.
func (r *Registry) SetName(id uint64, name string) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		c.Name = name
	}
}

// Join adds id to each named group, creating groups lazily. Joining a
// group one already belongs to is idempotent. An empty name is skipped
// rather than creating a "" group.
func (r *Registry) Join(id uint64, groups []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}

	for _, g := range groups {
		if g == "" {
			continue
		}
		members := r.groups[g]
		if members == nil {
			members = make(map[uint64]*Client)
			r.groups[g] = members
		}
		members[id] = c
		c.addGroup(g)
	}
	return nil
}

// Leave removes id from each named group, silently ignoring groups the
// client does not belong to, and destroys any group left empty.
func (r *Registry) Leave(id uint64, groups []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}

	for _, g := range groups {
		if g == "" {
			continue
		}
		members := r.groups[g]
		if members == nil {
			continue
		}
		delete(members, id)
		c.removeGroup(g)
		if len(members) == 0 {
			delete(r.groups, g)
		}
	}
	return nil
}

// RouteGroup enqueues env into the mailbox of every current member of
// group other than senderID. A nonexistent or sender-only group is a
// silent no-op (spec.md §9's adopted open-question answer). The member
// snapshot is taken under a read lock so concurrent Join/Leave cannot
// produce a torn delivery (spec.md §4.5).
func (r *Registry) RouteGroup(senderID uint64, group string, env *message.Envelope) {
	r.mu.RLock()
	members := r.groups[group]
	recipients := make([]*Client, 0, len(members))
	for cid, c := range members {
		if cid == senderID {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	r.deliver("group", recipients, env)
}

// RouteBroadcast enqueues env into every registered client's mailbox
// except the sender.
func (r *Registry) RouteBroadcast(senderID uint64, env *message.Envelope) {
	r.mu.RLock()
	recipients := make([]*Client, 0, len(r.clients))
	for cid, c := range r.clients {
		if cid == senderID {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	r.deliver("broadcast", recipients, env)
}

func (r *Registry) deliver(kind string, recipients []*Client, env *message.Envelope) {
	for _, c := range recipients {
		c.Mailbox.Enqueue(env)
	}
	r.stats.envelopeRouted(len(recipients))
	metrics.RecordRouted(kind, len(recipients))
}

// Lookup returns the registered client for id, if any.
func (r *Registry) Lookup(id uint64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// ListDevices returns the names of every currently non-empty group
// (invariant I2), sorted for a deterministic response.
func (r *Registry) ListDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.groups))
	for g, members := range r.groups {
		if len(members) > 0 {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// ClientCount returns the number of currently registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
