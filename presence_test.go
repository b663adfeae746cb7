package syncwire

import "testing"

func TestPresenceSyncReplacesWholesale(t *testing.T) {
	p := NewPresenceTracker()
	p.Apply(PresenceChanged{Kind: PresenceJoin, UserID: "alice"})
	p.Apply(PresenceChanged{Kind: PresenceJoin, UserID: "bob"})

	p.Apply(PresenceChanged{Kind: PresenceSync, UserIDs: []string{"carol", "dave"}})

	got := p.Online()
	if len(got) != 2 || got[0] != "carol" || got[1] != "dave" {
		t.Fatalf("online after sync: %v", got)
	}
	if p.IsOnline("alice") {
		t.Fatal("sync must drop users absent from the snapshot")
	}
}

func TestPresenceJoinLeave(t *testing.T) {
	p := NewPresenceTracker()
	p.Apply(PresenceChanged{Kind: PresenceSync, UserIDs: []string{"alice"}})

	p.Apply(PresenceChanged{Kind: PresenceJoin, UserID: "bob"})
	if !p.IsOnline("bob") {
		t.Fatal("join not applied")
	}
	// Duplicate joins and spurious leaves are harmless.
	p.Apply(PresenceChanged{Kind: PresenceJoin, UserID: "bob"})
	p.Apply(PresenceChanged{Kind: PresenceLeave, UserID: "nobody"})

	p.Apply(PresenceChanged{Kind: PresenceLeave, UserID: "alice"})
	got := p.Online()
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("online: %v", got)
	}
}

func TestPresenceResetClears(t *testing.T) {
	p := NewPresenceTracker()
	p.Apply(PresenceChanged{Kind: PresenceSync, UserIDs: []string{"alice", "bob"}})

	p.Reset()
	if len(p.Online()) != 0 || p.IsOnline("alice") {
		t.Fatal("reset left stale presence")
	}

	// A fresh sync after reconnect rebuilds the set.
	p.Apply(PresenceChanged{Kind: PresenceSync, UserIDs: []string{"bob"}})
	if got := p.Online(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("online after resync: %v", got)
	}
}
