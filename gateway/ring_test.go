package gateway

import "testing"

func fillRing(r *eventRing, from, to int64) {
	for seq := from; seq <= to; seq++ {
		r.Add(ringEvent{Sequence: seq, Type: "MESSAGE_CREATE"})
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := newEventRing(3)
	fillRing(r, 1, 5)

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	got := r.Since(0)
	if len(got) != 3 || got[0].Sequence != 3 || got[2].Sequence != 5 {
		t.Errorf("ring holds %v, want sequences 3..5", got)
	}
}

func TestRingResumable(t *testing.T) {
	r := newEventRing(60)
	fillRing(r, 1, 70)

	cases := []struct {
		seq, current int64
		want         bool
	}{
		{70, 70, true},  // nothing missed
		{69, 70, true},  // one behind
		{10, 70, true},  // sixty behind, exactly the window
		{9, 70, false},  // sixty one behind
		{71, 70, false}, // ahead of the server
	}
	for _, c := range cases {
		if got := r.Resumable(c.seq, c.current); got != c.want {
			t.Errorf("Resumable(%d, %d) = %v, want %v", c.seq, c.current, got, c.want)
		}
	}
}

func TestRingResumableEmpty(t *testing.T) {
	r := newEventRing(60)
	if !r.Resumable(0, 0) {
		t.Error("fresh session with seq 0 not resumable")
	}
	if r.Resumable(1, 0) {
		t.Error("seq ahead of an empty ring resumable")
	}
}

func TestRingSince(t *testing.T) {
	r := newEventRing(60)
	fillRing(r, 1, 10)

	got := r.Since(7)
	if len(got) != 3 || got[0].Sequence != 8 || got[2].Sequence != 10 {
		t.Errorf("Since(7) = %v, want sequences 8..10", got)
	}
	if got := r.Since(10); len(got) != 0 {
		t.Errorf("Since(10) = %v, want nothing", got)
	}
}

func TestRingSinceCopies(t *testing.T) {
	r := newEventRing(3)
	fillRing(r, 1, 3)

	got := r.Since(0)
	r.Add(ringEvent{Sequence: 4, Type: "MESSAGE_CREATE"})
	if got[0].Sequence != 1 {
		t.Error("snapshot mutated by a later Add")
	}
}
