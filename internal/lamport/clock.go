// Package lamport implements the per-replica logical clock used to order
// encrypted updates within one snapshot: a (clientId, counter) pair.
package lamport

// Timestamp is a Lamport timestamp: which client produced it, and that
// client's logical counter value at the time.
type Timestamp struct {
	ClientID uint32
	Counter  uint64
}

// Less gives the timestamp total order: by counter, then by clientId.
func (t Timestamp) Less(o Timestamp) bool {
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.ClientID < o.ClientID
}

// Equal reports whether two timestamps are identical.
func (t Timestamp) Equal(o Timestamp) bool {
	return t.ClientID == o.ClientID && t.Counter == o.Counter
}

// Clock is a single replica's Lamport clock.
type Clock struct {
	clientID uint32
	counter  uint64
}

// New creates a clock for the given replica id, starting at counter 0.
func New(clientID uint32) *Clock {
	return &Clock{clientID: clientID}
}

// ClientID returns this clock's owning replica id.
func (c *Clock) ClientID() uint32 { return c.clientID }

// Counter returns the current counter value without advancing it.
func (c *Clock) Counter() uint64 { return c.counter }

// Tick advances the clock for a local action and returns the new timestamp.
func (c *Clock) Tick() Timestamp {
	c.counter++
	return Timestamp{ClientID: c.clientID, Counter: c.counter}
}

// Receive advances the clock past an observed peer timestamp without
// attributing the resulting counter to this replica.
func (c *Clock) Receive(peer Timestamp) {
	if peer.Counter > c.counter {
		c.counter = peer.Counter
	}
}

// Reset sets the counter back to zero, used when a replica adopts a fresh
// snapshot and starts a new compaction epoch.
func (c *Clock) Reset() {
	c.counter = 0
}
