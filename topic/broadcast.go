package topic

import (
	"sync"

	"github.com/nimbusmq/broker/types/message"
)

// defaultMailboxSize matches the bounded fan-out buffer the broker uses
// per subscriber; a slow subscriber observes a lag count rather than
// blocking the publisher.
const defaultMailboxSize = 32

// Delivery is one message handed to a subscriber's mailbox, tagged with
// the subscription metadata that produced the match (so the session
// knows what QoS/retain-handling to apply on the way out).
type Delivery struct {
	Message *message.Message
	Sub     SubscriberInfo
	Retain  bool // true for the retained-message sweep on subscribe
}

// mailbox is a single subscriber's bounded inbox. When full, the oldest
// pending delivery is dropped and Lagged is incremented — the broker's
// Publish never blocks on a slow subscriber.
type mailbox struct {
	ch     chan Delivery
	mu     sync.Mutex
	lagged uint64
}

func newMailbox(size int) *mailbox {
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &mailbox{ch: make(chan Delivery, size)}
}

func (m *mailbox) send(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case m.ch <- d:
		return
	default:
	}

	// Buffer full: drop the oldest pending delivery and retry once.
	select {
	case <-m.ch:
		m.lagged++
	default:
	}
	select {
	case m.ch <- d:
	default:
		m.lagged++
	}
}

// Broadcaster fans messages out to per-client bounded mailboxes. It is
// the Go-idiomatic stand-in for the bounded broadcast channel each
// topic-tree node owns in the source this was distilled from: here the
// bound is per-subscriber rather than per-node, since the trie already
// resolves a publish to a concrete set of subscriber client IDs.
type Broadcaster struct {
	mu       sync.RWMutex
	mailbox  map[string]*mailbox
	bufSize  int
}

// NewBroadcaster creates a Broadcaster whose mailboxes hold bufSize
// pending deliveries before the oldest is dropped.
func NewBroadcaster(bufSize int) *Broadcaster {
	return &Broadcaster{
		mailbox: make(map[string]*mailbox),
		bufSize: bufSize,
	}
}

// Register creates (or returns the existing) mailbox for a client and
// returns its receive channel.
func (b *Broadcaster) Register(clientID string) <-chan Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailbox[clientID]
	if !ok {
		mb = newMailbox(b.bufSize)
		b.mailbox[clientID] = mb
	}
	return mb.ch
}

// Unregister removes a client's mailbox. Any buffered deliveries are
// discarded; the channel is left for the garbage collector.
func (b *Broadcaster) Unregister(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mailbox, clientID)
}

// Send delivers to a single client's mailbox if one is registered. It
// never blocks.
func (b *Broadcaster) Send(clientID string, d Delivery) {
	b.mu.RLock()
	mb, ok := b.mailbox[clientID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	mb.send(d)
}

// Lagged returns how many deliveries have been dropped for a client
// because its mailbox stayed full.
func (b *Broadcaster) Lagged(clientID string) uint64 {
	b.mu.RLock()
	mb, ok := b.mailbox[clientID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.lagged
}
