package discovery

import "testing"

func TestCandidateSet_DedupAndOrder(t *testing.T) {
	set := NewCandidateSet()

	sightings := []PeerID{
		{Addr: "10.0.0.2:48112", Name: "kitchen"},
		{Addr: "10.0.0.3:48112", Name: "garage"},
		{Addr: "10.0.0.2:48112", Name: "kitchen"},
		{Addr: "10.0.0.4:48112", Name: "office"},
		{Addr: "10.0.0.3:48112", Name: "garage"},
		{Addr: "10.0.0.2:48112", Name: "kitchen"},
	}
	for _, s := range sightings {
		set.Add(s)
	}

	list := set.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(list))
	}

	wantOrder := []string{"10.0.0.2:48112", "10.0.0.3:48112", "10.0.0.4:48112"}
	for i, want := range wantOrder {
		if list[i].Addr != want {
			t.Errorf("position %d: got %s, want %s", i, list[i].Addr, want)
		}
		if list[i].Seen != i {
			t.Errorf("position %d: Seen = %d, want %d", i, list[i].Seen, i)
		}
	}
}

func TestCandidateSet_AddReportsNew(t *testing.T) {
	set := NewCandidateSet()

	if _, added := set.Add(PeerID{Addr: "a", Name: "x"}); !added {
		t.Error("first sighting should be added")
	}
	if _, added := set.Add(PeerID{Addr: "a", Name: "x"}); added {
		t.Error("repeat sighting should not be added")
	}
}

func TestCandidateSet_RepeatSightingKeepsFirstSeen(t *testing.T) {
	set := NewCandidateSet()

	set.Add(PeerID{Addr: "a", Name: "first"})
	stored, added := set.Add(PeerID{Addr: "a", Name: "renamed"})

	if added {
		t.Error("repeat sighting should not be added")
	}
	if stored.Name != "first" {
		t.Errorf("repeat sighting replaced entry: got %s", stored.Name)
	}
}

func TestCandidateSet_Clear(t *testing.T) {
	set := NewCandidateSet()

	set.Add(PeerID{Addr: "a", Name: "x"})
	set.Add(PeerID{Addr: "b", Name: "y"})
	set.Clear()

	if set.Len() != 0 {
		t.Fatalf("expected empty set after Clear, got %d", set.Len())
	}
	if _, ok := set.Lookup("a"); ok {
		t.Error("Lookup found an entry after Clear")
	}

	// Cleared addresses are first-seen again.
	c, added := set.Add(PeerID{Addr: "a", Name: "x"})
	if !added || c.Seen != 0 {
		t.Errorf("expected fresh first-seen entry after Clear, got added=%v seen=%d", added, c.Seen)
	}
}
