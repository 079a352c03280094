package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testConn builds a connection with only the pieces session code touches.
func testConn(buffer int) *connection {
	return &connection{
		log:  zerolog.Nop(),
		send: make(chan sentPayload, buffer),
		done: make(chan struct{}),
	}
}

func drain(c *connection) []sentPayload {
	var out []sentPayload
	for {
		select {
		case p := <-c.send:
			out = append(out, p)
		default:
			return out
		}
	}
}

func testSession(t *testing.T, r *SessionRegistry, userID string) *Session {
	t.Helper()
	sess, err := r.Create(userID, false, Identify{Token: "tok"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func TestSessionDispatchSequences(t *testing.T) {
	r := NewSessionRegistry()
	sess := testSession(t, r, "1")
	c := testConn(8)
	sess.attach(c)

	for i := 1; i <= 3; i++ {
		if !sess.Dispatch("MESSAGE_CREATE", i) {
			t.Fatalf("dispatch %d not delivered while attached", i)
		}
	}

	got := drain(c)
	if len(got) != 3 {
		t.Fatalf("connection received %d payloads, want 3", len(got))
	}
	for i, p := range got {
		if p.Op != OpDispatch || p.Sequence != int64(i+1) || p.Type != "MESSAGE_CREATE" {
			t.Errorf("payload %d = {op %d seq %d t %s}", i, p.Op, p.Sequence, p.Type)
		}
	}
	if sess.Seq() != 3 {
		t.Errorf("Seq = %d, want 3", sess.Seq())
	}
}

func TestSessionDispatchDetachedStillRings(t *testing.T) {
	r := NewSessionRegistry()
	sess := testSession(t, r, "1")
	c := testConn(8)
	sess.attach(c)
	sess.detach(c)

	if sess.Dispatch("MESSAGE_CREATE", "x") {
		t.Error("detached dispatch reported as delivered")
	}
	if got := drain(c); len(got) != 0 {
		t.Errorf("detached connection received %v", got)
	}

	if sess.Seq() != 1 {
		t.Errorf("Seq = %d, sequence must advance while detached", sess.Seq())
	}
	if events := sess.ring.Since(0); len(events) != 1 || events[0].Sequence != 1 {
		t.Errorf("ring = %v, want the missed event", events)
	}
}

func TestSessionDetachIgnoresStrangers(t *testing.T) {
	r := NewSessionRegistry()
	sess := testSession(t, r, "1")
	current := testConn(1)
	sess.attach(current)

	sess.detach(testConn(1))
	if !sess.Attached() {
		t.Error("detach by a connection that never held the session")
	}

	if old := sess.attach(testConn(1)); old != current {
		t.Error("attach did not hand back the replaced connection")
	}
}

func TestRegistryCreateMintsDistinctIDs(t *testing.T) {
	r := NewSessionRegistry()
	a := testSession(t, r, "1")
	b := testSession(t, r, "1")

	if len(a.ID) != 32 {
		t.Errorf("session ID %q is not 32 hex chars", a.ID)
	}
	if a.ID == b.ID {
		t.Error("two sessions share an ID")
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}

	got, ok := r.Get(a.ID)
	if !ok || got != a {
		t.Error("Get did not return the created session")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get resolved an unknown ID")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewSessionRegistry()
	sess := testSession(t, r, "1")

	if _, ok := r.Remove(sess.ID); !ok {
		t.Fatal("Remove missed a live session")
	}
	if _, ok := r.Remove(sess.ID); ok {
		t.Error("second Remove reported a hit")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d after removal", r.Count())
	}
}

func TestRegistrySweepDetached(t *testing.T) {
	r := NewSessionRegistry()
	stale := testSession(t, r, "1")
	fresh := testSession(t, r, "2")
	attached := testSession(t, r, "3")

	c := testConn(1)
	stale.attach(c)
	stale.detach(c)
	stale.mu.Lock()
	stale.detachedAt = time.Now().Add(-10 * time.Minute)
	stale.mu.Unlock()

	c2 := testConn(1)
	fresh.attach(c2)
	fresh.detach(c2)

	attached.attach(testConn(1))

	swept := r.SweepDetached(5 * time.Minute)
	if len(swept) != 1 || swept[0] != stale {
		t.Fatalf("swept %d sessions, want only the stale one", len(swept))
	}
	if _, ok := r.Get(stale.ID); ok {
		t.Error("swept session still resolvable")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Error("recently detached session swept")
	}
	if _, ok := r.Get(attached.ID); !ok {
		t.Error("attached session swept")
	}
}

func TestSessionAtomic(t *testing.T) {
	r := NewSessionRegistry()
	plain := testSession(t, r, "1")
	if plain.Atomic() {
		t.Error("default properties marked atomic")
	}

	official, err := r.Create("1", false, Identify{
		Token:      "tok",
		Properties: IdentifyProperties{Browser: atomicBrowser},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !official.Atomic() {
		t.Error("official client browser not marked atomic")
	}
}
