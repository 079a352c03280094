// Package producer pipes every dispatched gateway event into NATS
// Streaming so downstream consumers can feed off the firehose without
// holding a gateway connection.
package producer

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"

	"github.com/palaver-chat/palaver/state"
)

// BufferSize is how many events may queue before the producer starts
// dropping rather than slowing dispatch.
const BufferSize = 2048

// StreamEvent is the frame published for every dispatched event.
type StreamEvent struct {
	Type string      `msgpack:"i"`
	Data interface{} `msgpack:"d"`
}

// A Producer owns the streaming connection and the publish loop. A nil
// Producer is valid and publishes nothing.
type Producer struct {
	log zerolog.Logger

	address   string
	cluster   string
	client    string
	channel   string
	blacklist []string

	natsClient *nats.Conn
	stanClient stan.Conn

	produce chan StreamEvent
	done    chan struct{}
}

// NewProducer prepares a producer. Open starts it.
func NewProducer(logger zerolog.Logger, address, cluster, client, channel string, blacklist []string) *Producer {
	return &Producer{
		log:       logger,
		address:   address,
		cluster:   cluster,
		client:    client,
		channel:   channel,
		blacklist: blacklist,
		produce:   make(chan StreamEvent, BufferSize),
		done:      make(chan struct{}),
	}
}

// Open connects to NATS Streaming and starts the forward loop.
func (p *Producer) Open() (err error) {
	p.natsClient, err = nats.Connect(p.address)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	p.stanClient, err = stan.Connect(p.cluster, p.client, stan.NatsConn(p.natsClient))
	if err != nil {
		p.natsClient.Close()
		return fmt.Errorf("connecting to stan: %w", err)
	}
	go p.forward()

	p.log.Info().
		Str("address", p.address).
		Str("channel", p.channel).
		Msg("Producer open")
	return nil
}

// Publish offers an event to the firehose. Blacklisted types are skipped
// and full buffers drop the event so dispatch never blocks on the broker.
func (p *Producer) Publish(eventType string, data interface{}) {
	if p == nil {
		return
	}
	if state.Contains(p.blacklist, eventType) {
		return
	}
	select {
	case p.produce <- StreamEvent{Type: eventType, Data: data}:
	default:
		p.log.Warn().Str("type", eventType).Msg("Producer buffer full, dropping event")
	}
}

// forward continuously publishes queued events to STAN.
func (p *Producer) forward() {
	for {
		select {
		case streamEvent := <-p.produce:
			ma, err := msgpack.Marshal(&streamEvent)
			if err == nil {
				err = p.stanClient.Publish(p.channel, ma)
			}
			if err != nil {
				p.log.Error().Err(err).Str("type", streamEvent.Type).Msg("Failed to publish event")
			}
		case <-p.done:
			return
		}
	}
}

// Close drains the queue then releases the broker connections. Draining
// gives up after ten seconds so a dead broker cannot wedge shutdown.
func (p *Producer) Close() {
	if p == nil {
		return
	}
	start := time.Now()
	for len(p.produce) > 0 && time.Since(start) < time.Second*10 {
		time.Sleep(time.Millisecond * 100)
	}
	close(p.done)
	if p.stanClient != nil {
		p.stanClient.Close()
	}
	if p.natsClient != nil {
		p.natsClient.Close()
	}
}
