package gateway

// ringEvent is one dispatched event retained for replay.
type ringEvent struct {
	Sequence int64
	Type     string
	Data     interface{}
}

// eventRing keeps the most recent dispatches of a session so a resume
// can replay what a dropped connection missed. Sequence numbers inside
// the ring are consecutive because every dispatch lands here.
type eventRing struct {
	events   []ringEvent
	capacity int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{capacity: capacity}
}

// Add retains one dispatch, evicting the oldest once full.
func (r *eventRing) Add(ev ringEvent) {
	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events[len(r.events)-1] = ev
		return
	}

	r.events = append(r.events, ev)
}

// Resumable reports whether every event after seq is still retained.
// current is the sequence of the newest dispatch.
func (r *eventRing) Resumable(seq, current int64) bool {
	if seq > current {
		return false
	}

	needed := current - seq
	if needed == 0 {
		return true
	}

	return needed <= int64(len(r.events))
}

// Since returns retained events after seq in dispatch order.
func (r *eventRing) Since(seq int64) []ringEvent {
	for i, ev := range r.events {
		if ev.Sequence > seq {
			out := make([]ringEvent, len(r.events)-i)
			copy(out, r.events[i:])
			return out
		}
	}

	return nil
}

// Len reports how many events are retained.
func (r *eventRing) Len() int {
	return len(r.events)
}
