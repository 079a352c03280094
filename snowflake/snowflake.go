package snowflake

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the millisecond origin all IDs count from.
const Epoch int64 = 1420081200000

const (
	timestampShift = 11
	counterMask    = (1 << timestampShift) - 1
)

// Generator hands out IDs that are strictly increasing for the lifetime of
// the process. The top 42 bits carry milliseconds since Epoch, the low 11
// bits a per-millisecond counter.
type Generator struct {
	mu       sync.Mutex
	lastMsec int64
	counter  int64
}

// NewGenerator returns a Generator ready for use.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the next ID as a decimal string, the form every payload
// carries IDs in.
func (g *Generator) Generate() string {
	return strconv.FormatInt(g.next(), 10)
}

func (g *Generator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - Epoch
	if now < g.lastMsec {
		// Clock went backwards. Keep issuing against the last
		// observed millisecond so IDs never regress.
		now = g.lastMsec
	}

	if now == g.lastMsec {
		g.counter++
		if g.counter > counterMask {
			for now <= g.lastMsec {
				now = time.Now().UnixMilli() - Epoch
			}
			g.counter = 0
		}
	} else {
		g.counter = 0
	}

	g.lastMsec = now
	return now<<timestampShift | g.counter
}

// Time returns the creation time encoded in an ID.
func Time(id string) (t time.Time, err error) {
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return
	}
	msec := (i >> timestampShift) + Epoch
	t = time.Unix(0, msec*int64(time.Millisecond))
	return
}
