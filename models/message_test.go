package models

import "testing"

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusSent, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusDelivered, false},
		{StatusSent, MessageStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := StatusDelivered.Predecessors()
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusSent {
		t.Fatalf("unexpected predecessors of delivered: %v", got)
	}
	if got := StatusPending.Predecessors(); len(got) != 0 {
		t.Fatalf("pending should have no predecessors, got %v", got)
	}
}

func TestExpiry(t *testing.T) {
	m := Message{CreatedAt: 1000, TTLMs: 100, ExpiresAt: ExpiryFor(1000, 100)}
	if m.Expired(1099) {
		t.Fatalf("message expired early")
	}
	if !m.Expired(1100) {
		t.Fatalf("message should be expired at createdAt+ttl")
	}
	if (Message{CreatedAt: 1000}).Expired(1 << 50) {
		t.Fatalf("message without ttl must never expire")
	}
}
