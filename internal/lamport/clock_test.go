package lamport

import "testing"

func TestTickAdvances(t *testing.T) {
	c := New(7)
	ts1 := c.Tick()
	ts2 := c.Tick()
	if ts1.ClientID != 7 || ts1.Counter != 1 {
		t.Fatalf("unexpected first tick: %+v", ts1)
	}
	if ts2.Counter != 2 {
		t.Fatalf("expected counter 2, got %d", ts2.Counter)
	}
}

func TestReceiveAdvancesPastPeer(t *testing.T) {
	c := New(1)
	c.Tick()
	c.Receive(Timestamp{ClientID: 2, Counter: 10})
	if c.Counter() != 10 {
		t.Fatalf("expected counter advanced to 10, got %d", c.Counter())
	}
	// receiving a lower counter must not roll back
	c.Receive(Timestamp{ClientID: 3, Counter: 2})
	if c.Counter() != 10 {
		t.Fatalf("counter must not regress, got %d", c.Counter())
	}
}

func TestTotalOrder(t *testing.T) {
	a := Timestamp{ClientID: 1, Counter: 5}
	b := Timestamp{ClientID: 2, Counter: 5}
	c := Timestamp{ClientID: 1, Counter: 6}

	if !a.Less(b) {
		t.Fatalf("expected %+v < %+v (tie broken by clientId)", a, b)
	}
	if !a.Less(c) {
		t.Fatalf("expected %+v < %+v (lower counter orders first)", a, c)
	}
	if b.Less(a) {
		t.Fatalf("order must not be symmetric")
	}
}

func TestResetAfterSnapshot(t *testing.T) {
	c := New(1)
	c.Tick()
	c.Tick()
	c.Reset()
	if c.Counter() != 0 {
		t.Fatalf("expected counter 0 after reset, got %d", c.Counter())
	}
	ts := c.Tick()
	if ts.Counter != 1 {
		t.Fatalf("expected counter 1 after reset+tick, got %d", ts.Counter)
	}
}
