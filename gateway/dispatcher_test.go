package gateway

import "testing"

func TestDispatcherFanout(t *testing.T) {
	r := NewSessionRegistry()
	d := NewDispatcher()

	a := testSession(t, r, "1")
	b := testSession(t, r, "1")
	other := testSession(t, r, "2")

	ca, cb, co := testConn(4), testConn(4), testConn(4)
	a.attach(ca)
	b.attach(cb)
	other.attach(co)

	d.Register(a)
	d.Register(b)
	d.Register(other)

	if reached := d.DispatchUser("1", "MESSAGE_CREATE", "x"); reached != 2 {
		t.Errorf("reached %d sessions, want 2", reached)
	}
	if len(drain(ca)) != 1 || len(drain(cb)) != 1 {
		t.Error("both of the user's connections should receive the event")
	}
	if len(drain(co)) != 0 {
		t.Error("another user's connection received the event")
	}
}

func TestDispatcherCountsDetached(t *testing.T) {
	r := NewSessionRegistry()
	d := NewDispatcher()

	sess := testSession(t, r, "1")
	c := testConn(4)
	sess.attach(c)
	d.Register(sess)
	sess.detach(c)

	// A detached session still holds the event for replay, so the user
	// has not vanished.
	if reached := d.DispatchUser("1", "MESSAGE_CREATE", "x"); reached != 1 {
		t.Errorf("reached %d, want 1 for a detached session", reached)
	}
	if d.Online("1") {
		t.Error("user with only a detached session reported online")
	}

	d.Unregister(sess)
	if reached := d.DispatchUser("1", "MESSAGE_CREATE", "x"); reached != 0 {
		t.Errorf("reached %d after unregister, want 0", reached)
	}
}

func TestDispatcherOnline(t *testing.T) {
	r := NewSessionRegistry()
	d := NewDispatcher()

	if d.Online("1") {
		t.Error("unknown user reported online")
	}

	sess := testSession(t, r, "1")
	c := testConn(1)
	sess.attach(c)
	d.Register(sess)

	if !d.Online("1") {
		t.Error("attached session not reported online")
	}

	sess.detach(c)
	if d.Online("1") {
		t.Error("detached session reported online")
	}
}

func TestDispatcherSessions(t *testing.T) {
	r := NewSessionRegistry()
	d := NewDispatcher()

	a := testSession(t, r, "1")
	b := testSession(t, r, "1")
	d.Register(a)
	d.Register(b)

	got := d.Sessions("1")
	if len(got) != 2 {
		t.Fatalf("Sessions = %d entries, want 2", len(got))
	}
	if got[0] == got[1] {
		t.Error("Sessions returned the same session twice")
	}
}
