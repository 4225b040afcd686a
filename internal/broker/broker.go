// Package broker implements the publish/subscribe registry and
// command handlers described in spec sections 3 and 4.2-4.3: the
// online/offline client registries, the fixed topic set, the
// offline-message queue, and the CONN/SUB/PUB/DISC state transitions.
//
// The package is transport-agnostic: callers hand it a Sender for each
// connection (see Conn) and handlers deliver frames through it. This keeps
// internal/server free to own sockets while broker owns the shared,
// concurrently-accessed registries and their locking discipline.
package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/wire"
)

// Sender is the narrow interface a connection worker exposes to the
// broker so handlers can deliver frames without importing the
// transport package. Send must not block indefinitely; per spec §5 it
// is expected to be backed by a buffered outbound queue.
type Sender interface {
	Send(frame string)
}

// Conn is the broker's view of one online connection: enough state to
// run the handlers in §4.2 and migrate the connection offline in §4.4.
// Fields other than Sender are owned by the broker under the locks
// documented on Broker; Conn itself holds no lock because it is always
// reached through a registry that already guards it.
type Conn struct {
	Sender Sender

	// Name is the identity claimed by CONN; empty until CONN succeeds.
	// Mutated only while the owning connection's single dispatch
	// goroutine is running a handler, so it is safe to read without a
	// lock from that same goroutine; Broker methods that read another
	// connection's Name always do so under onlineMu.
	Name string

	// SubscribedTopics is the ordered set of topic names this
	// connection holds subscriptions to, carried over to an
	// OfflineClient on disconnect.
	SubscribedTopics []string
}

func (c *Conn) hasSubscription(topic string) bool {
	for _, t := range c.SubscribedTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// OfflineClient is a disconnected client retained so that messages
// published to its subscriptions can be replayed on reconnect.
type OfflineClient struct {
	Name          string
	DiscTime      int64
	Subscriptions []string
}

// Topic is a fixed-at-startup publish target with its own subscriber
// set and lock (spec §5: "per-topic subscriber set: guarded by the
// topic's own lock").
type Topic struct {
	Name string

	mu          sync.Mutex
	subscribers map[string]struct{} // client name -> member
}

func newTopic(name string) *Topic {
	return &Topic{Name: name, subscribers: make(map[string]struct{})}
}

// QueuedMessage is a PUB captured for offline replay (spec §3, §4.3).
type QueuedMessage struct {
	Time    int64
	Sender  string
	Topic   string
	Payload string
}

// Clock abstracts wall-clock seconds so tests can control time
// without sleeping; production code uses RealClock.
type Clock interface {
	Now() int64
}

// RealClock reports wall-clock time in Unix seconds.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() int64 { return time.Now().Unix() }

// Broker owns every piece of shared mutable state in §3 and enforces
// the lock order from §5: onlineMu -> offlineMu -> topic lock ->
// queueMu. No method acquires them in a different order.
type Broker struct {
	log   *zap.Logger
	clock Clock

	onlineMu sync.Mutex
	online   map[string]*Conn

	offlineMu sync.Mutex
	offline   map[string]*OfflineClient

	topics map[string]*Topic // fixed at construction, no lock needed on the map itself

	queueMu sync.Mutex
	queue   []*QueuedMessage // append-only, in PUB serialization order
}

// New creates a Broker with the fixed topic set seeded at startup
// (spec §3 Topic lifecycle: "created at startup from a fixed list;
// never destroyed"). Dynamic topic creation is out of scope (spec §1).
func New(log *zap.Logger, clock Clock, topicNames []string) *Broker {
	if clock == nil {
		clock = RealClock{}
	}
	topics := make(map[string]*Topic, len(topicNames))
	for _, name := range topicNames {
		topics[name] = newTopic(name)
	}
	return &Broker{
		log:     log,
		clock:   clock,
		online:  make(map[string]*Conn),
		offline: make(map[string]*OfflineClient),
		topics:  topics,
	}
}

// reply is a convenience for handlers to send a single frame back to
// the issuing connection.
func reply(c *Conn, fields ...string) {
	c.Sender.Send(wire.Encode(fields...))
}

// HandleConn implements the CONN command (spec §4.2). tokens is the
// full decoded frame, e.g. ["A", "CONN"].
func (b *Broker) HandleConn(c *Conn, tokens []string) {
	if len(tokens) < 2 {
		return // spec: fails silently on short frames
	}
	name := tokens[0]

	b.onlineMu.Lock()
	if existing, ok := b.online[name]; ok {
		b.onlineMu.Unlock()
		if existing == c {
			// Idempotent re-ack of our own identity.
			reply(c, "CONN_ACK")
		}
		// Different connection already owns this name: spec §4.2 /
		// §9 open question 1 resolves this as a silent reject.
		return
	}
	b.onlineMu.Unlock()

	if c.Name != "" && c.Name != name {
		b.migrateOffline(c)
	}

	b.onlineMu.Lock()
	b.online[name] = c
	b.onlineMu.Unlock()
	c.Name = name

	b.reconnectReplay(c, name)

	reply(c, "CONN_ACK")
}

// reconnectReplay attaches any saved offline subscriptions (on both the
// connection and the topic side), replays
// queued messages still owed to this client, removes the offline
// entry, and runs the retention sweep (spec §4.2, §4.3).
func (b *Broker) reconnectReplay(c *Conn, name string) {
	b.offlineMu.Lock()
	off, ok := b.offline[name]
	if !ok {
		b.offlineMu.Unlock()
		return
	}
	delete(b.offline, name)
	b.offlineMu.Unlock()

	c.SubscribedTopics = off.Subscriptions

	subs := make(map[string]struct{}, len(off.Subscriptions))
	for _, t := range off.Subscriptions {
		subs[t] = struct{}{}
		if topic, ok := b.topics[t]; ok {
			topic.mu.Lock()
			topic.subscribers[name] = struct{}{}
			topic.mu.Unlock()
		}
	}

	b.queueMu.Lock()
	for _, m := range b.queue {
		if m.Time >= off.DiscTime {
			if _, wanted := subs[m.Topic]; wanted {
				c.Sender.Send(wire.Encode(m.Sender, "PUB", m.Topic, m.Payload))
			}
		}
	}
	b.queueMu.Unlock()

	b.sweep()
}

// HandleSub implements the SUB command (spec §4.2).
func (b *Broker) HandleSub(c *Conn, tokens []string) {
	if len(tokens) < 3 {
		return
	}
	topicName := tokens[2]

	topic, ok := b.topics[topicName]
	if !ok {
		reply(c, "ERROR: Subscription Failed - Subject Not Found")
		return
	}

	topic.mu.Lock()
	if _, already := topic.subscribers[c.Name]; already {
		topic.mu.Unlock()
		reply(c, "SUB_ACK")
		return
	}
	topic.subscribers[c.Name] = struct{}{}
	topic.mu.Unlock()

	if !c.hasSubscription(topicName) {
		c.SubscribedTopics = append(c.SubscribedTopics, topicName)
	}

	reply(c, "SUB_ACK")
}

// HandlePub implements the PUB command (spec §4.2).
func (b *Broker) HandlePub(c *Conn, tokens []string) {
	if len(tokens) < 4 {
		return
	}
	name, topicName, payload := tokens[0], tokens[2], tokens[3]

	topic, ok := b.topics[topicName]
	if !ok {
		reply(c, "ERROR: Subject Not Found")
		return
	}

	// Lock order is onlineMu -> topic lock (spec §5); take onlineMu
	// first and hold it across the topic-lock section below rather
	// than acquiring the topic lock first and reaching into onlineMu
	// from inside it.
	b.onlineMu.Lock()

	topic.mu.Lock()
	if _, subscribed := topic.subscribers[name]; !subscribed {
		topic.mu.Unlock()
		b.onlineMu.Unlock()
		reply(c, "ERROR: Not Subscribed")
		return
	}

	frame := wire.Encode(name, "PUB", topicName, payload)
	for subName := range topic.subscribers {
		if sub, online := b.online[subName]; online {
			sub.Sender.Send(frame)
		}
	}
	topic.mu.Unlock()
	b.onlineMu.Unlock()

	b.offlineMu.Lock()
	anyOffline := len(b.offline) > 0
	b.offlineMu.Unlock()

	if anyOffline {
		b.queueMu.Lock()
		b.queue = append(b.queue, &QueuedMessage{
			Time:    b.clock.Now(),
			Sender:  name,
			Topic:   topicName,
			Payload: payload,
		})
		b.queueMu.Unlock()
	}
}

// HandleDisc implements the DISC command (spec §4.2, §4.4): reply,
// then let the connection worker close the socket and call Disconnect.
func (b *Broker) HandleDisc(c *Conn) {
	reply(c, "DISC_ACK")
}

// Disconnect migrates a connection to the offline registry if it had
// a name, and removes it from online-clients. It is called by the
// connection worker once the socket is closing, regardless of why
// (DISC or transport error) — spec §4.4.
func (b *Broker) Disconnect(c *Conn) {
	b.migrateOffline(c)
}

// migrateOffline transitions c's prior identity to offline: it removes
// the name from online-clients and from every topic it was subscribed
// to, then records it as an OfflineClient (spec §4.2 "Else" branch:
// "transition its prior identity to offline first ... then remove it
// from online-clients"). Called both from Disconnect (connection truly
// closing) and from HandleConn (connection claiming a second, different
// name, so its old identity goes offline first). A name is never left
// in both online and offline afterward (spec §3/§8 invariant).
func (b *Broker) migrateOffline(c *Conn) {
	if c.Name == "" {
		return
	}
	name := c.Name
	subs := append([]string(nil), c.SubscribedTopics...)

	b.onlineMu.Lock()
	if b.online[name] == c {
		delete(b.online, name)
	}
	b.onlineMu.Unlock()

	b.offlineMu.Lock()
	b.offline[name] = &OfflineClient{
		Name:          name,
		DiscTime:      b.clock.Now(),
		Subscriptions: subs,
	}
	b.offlineMu.Unlock()

	for _, t := range subs {
		if topic, ok := b.topics[t]; ok {
			topic.mu.Lock()
			delete(topic.subscribers, name)
			topic.mu.Unlock()
		}
	}
}

// oldestOfflineTime returns the minimum disconnect time across all
// offline clients, or false if there are none (spec §4.3: "or +inf if
// empty").
func (b *Broker) oldestOfflineTime() (int64, bool) {
	b.offlineMu.Lock()
	defer b.offlineMu.Unlock()

	if len(b.offline) == 0 {
		return 0, false
	}
	var min int64
	first := true
	for _, off := range b.offline {
		if first || off.DiscTime < min {
			min = off.DiscTime
			first = false
		}
	}
	return min, true
}

// sweep drops queued messages that can no longer be owed to any
// offline client (spec §4.3, §9 open question 3: the comparison is
// strictly "<", so a message with time == oldest disconnect time is
// retained).
func (b *Broker) sweep() {
	oldest, any := b.oldestOfflineTime()
	if !any {
		b.queueMu.Lock()
		b.queue = nil
		b.queueMu.Unlock()
		return
	}

	b.queueMu.Lock()
	kept := b.queue[:0]
	for _, m := range b.queue {
		if m.Time >= oldest {
			kept = append(kept, m)
		}
	}
	b.queue = kept
	b.queueMu.Unlock()
}

// Topics reports the fixed topic set, for tests and diagnostics.
func (b *Broker) Topics() []string {
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}
