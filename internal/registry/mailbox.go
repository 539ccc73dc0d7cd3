package registry

import (
	"context"
	"sync"

	"github.com/adred-codev/dime-broker/internal/message"
)

// DropReason labels why an envelope was evicted from a mailbox.
type DropReason string

const (
	DropReasonOverflowCount DropReason = "overflow_count"
	DropReasonOverflowBytes DropReason = "overflow_bytes"
)

// Mailbox is a per-client FIFO of pending envelopes with a wake signal for
// wait/sync consumers. The wake channel is closed (and replaced) whenever
// the mailbox transitions from empty to non-empty — the same close-as-
// broadcast idiom the teacher uses to fan a shutdown signal out to every
// client's send channel in one shot, generalized here into a reusable
// one-shot-per-generation wake primitive instead of a one-time close.
type Mailbox struct {
	mu    sync.Mutex
	items []*message.Envelope
	bytes int

	maxItems int
	maxBytes int

	wake chan struct{}

	onDrop func(DropReason)
}

// NewMailbox returns an empty mailbox. maxItems/maxBytes <= 0 disable that
// particular cap. onDrop, if non-nil, is invoked (outside the mailbox
// lock) whenever backpressure forces the oldest envelope out.
func NewMailbox(maxItems, maxBytes int, onDrop func(DropReason)) *Mailbox {
	return &Mailbox{
		maxItems: maxItems,
		maxBytes: maxBytes,
		wake:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

// Enqueue appends env, evicting the oldest queued envelope first if doing
// so would exceed the configured count or byte budget. Enqueue never
// blocks: mailboxes are bounded only by the drop policy, never by
// back-pressuring the sender.
func (m *Mailbox) Enqueue(env *message.Envelope) {
	var dropped []DropReason

	m.mu.Lock()
	wasEmpty := len(m.items) == 0

	m.items = append(m.items, env)
	m.bytes += env.Size()

	for m.maxItems > 0 && len(m.items) > m.maxItems {
		m.evictOldestLocked()
		dropped = append(dropped, DropReasonOverflowCount)
	}
	for m.maxBytes > 0 && m.bytes > m.maxBytes && len(m.items) > 0 {
		m.evictOldestLocked()
		dropped = append(dropped, DropReasonOverflowBytes)
	}

	var wake chan struct{}
	if wasEmpty && len(m.items) > 0 {
		wake = m.wake
		m.wake = make(chan struct{})
	}
	m.mu.Unlock()

	if wake != nil {
		close(wake)
	}
	if m.onDrop != nil {
		for _, reason := range dropped {
			m.onDrop(reason)
		}
	}
}

// evictOldestLocked drops items[0]. Caller holds m.mu.
func (m *Mailbox) evictOldestLocked() {
	m.bytes -= m.items[0].Size()
	m.items[0] = nil
	m.items = m.items[1:]
}

// Len returns the number of envelopes currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Cap reports the configured count and byte budgets, for diagnostics.
func (m *Mailbox) Cap() (maxItems, maxBytes int) {
	return m.maxItems, m.maxBytes
}

// Drain removes and returns up to n envelopes (all of them if n < 0).
func (m *Mailbox) Drain(n int) []*message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 0 || n > len(m.items) {
		n = len(m.items)
	}
	out := m.items[:n:n]
	m.items = m.items[n:]
	m.bytes = 0
	for _, e := range m.items {
		m.bytes += e.Size()
	}
	return out
}

// Wait blocks until the mailbox is non-empty (returning immediately if it
// already is) and reports the mailbox length at the moment it woke. A
// WakeAll also ends the wait, reporting the length at that moment (0 if
// still empty). If ctx is cancelled first it returns ctx.Err() — the
// mechanism by which a session's teardown cancels an in-flight wait
// (spec.md §5).
func (m *Mailbox) Wait(ctx context.Context) (int, error) {
	for {
		m.mu.Lock()
		n := len(m.items)
		wake := m.wake
		m.mu.Unlock()

		if n > 0 {
			return n, nil
		}

		select {
		case <-wake:
			return m.Len(), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WakeAll signals any waiter without adding an envelope — used by
// Unregister so a wait() outlasting its own session's teardown (e.g. a
// concurrent goroutine holding a stale reference) doesn't hang forever.
func (m *Mailbox) WakeAll() {
	m.mu.Lock()
	wake := m.wake
	m.wake = make(chan struct{})
	m.mu.Unlock()
	close(wake)
}
