package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/metrics"
	"github.com/palaver-chat/palaver/state"
)

// closeError carries a close code out of an op handler.
type closeError struct {
	code int
	text string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.text)
}

func closeWith(code int, text string) *closeError {
	return &closeError{code: code, text: text}
}

// connection is one accepted websocket from upgrade to close. Sessions
// outlive connections; a connection is bound to at most one session.
type connection struct {
	gw  *Gateway
	log zerolog.Logger

	ws    *websocket.Conn
	codec Codec
	zstd  *zstdStream

	heartbeatInterval time.Duration

	send chan sentPayload
	done chan struct{}

	wsMutex   sync.Mutex
	closeOnce sync.Once

	limits opLimiters

	// Handler state, only the read loop touches it.
	sess       *Session
	cleanClose bool
}

// run reads frames until the connection dies, dispatching each payload
// to its op handler. It owns the connection's lifecycle end to end.
func (c *connection) run() {
	metrics.ConnectionsActive.Inc()
	defer c.cleanup()

	go c.writePump()

	c.refreshDeadline()
	c.enqueue(sentPayload{
		Op: OpHello,
		Data: Hello{
			HeartbeatInterval: c.heartbeatInterval.Milliseconds(),
			Trace:             c.gw.trace("hello"),
		},
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				c.log.Info().Msg("Heartbeat expired")
				c.closeWithCode(CloseUnknownError, "Heartbeat expired")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.cleanClose = true
			}
			return
		}

		if len(frame) > maxPayloadSize {
			c.closeWithCode(ClosePayloadTooLarge, "Payload too large")
			return
		}

		p, err := c.codec.Unmarshal(frame)
		if err != nil {
			c.log.Debug().Err(err).Msg("Undecodable frame")
			c.closeWithCode(CloseDecodeError, "Decode error")
			return
		}

		if !c.limits.all.Allow() {
			c.closeWithCode(CloseUnknownError, "You are being rate limited.")
			return
		}

		if err := c.gw.handle(c, p); err != nil {
			var ce *closeError
			if errors.As(err, &ce) {
				c.closeWithCode(ce.code, ce.text)
			} else {
				c.log.Error().Err(err).Int("op", p.Op).Msg("Handler failed")
				c.closeWithCode(CloseUnknownError, "Internal error")
			}
			return
		}
	}
}

// writePump drains the send queue, encoding and writing each payload.
func (c *connection) writePump() {
	for {
		select {
		case p := <-c.send:
			if err := c.writePayload(p); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) writePayload(p sentPayload) (err error) {
	frame, err := c.codec.Marshal(p)
	if err != nil {
		return
	}

	messageType := c.codec.MessageType()

	if p.deflate {
		if frame, err = deflatePayload(frame); err != nil {
			return
		}
		messageType = websocket.BinaryMessage
	}

	if c.zstd != nil {
		if frame, err = c.zstd.Compress(frame); err != nil {
			return
		}
		messageType = websocket.BinaryMessage
	}

	return c.write(messageType, frame)
}

func (c *connection) write(messageType int, frame []byte) error {
	c.wsMutex.Lock()
	defer c.wsMutex.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, frame)
}

// enqueue queues a payload for the writer without blocking. Overflow
// means the client cannot keep up; the close runs on a fresh goroutine
// because callers may hold session locks.
func (c *connection) enqueue(p sentPayload) {
	select {
	case c.send <- p:
	case <-c.done:
	default:
		c.log.Warn().Msg("Send queue overflow")
		go c.closeWithCode(CloseUnknownError, "slow consumer")
	}
}

// refreshDeadline pushes the heartbeat deadline out. Reads fail once
// the client goes silent past it.
func (c *connection) refreshDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.heartbeatInterval + heartbeatGrace))
}

// closeWithCode sends a close frame and tears the socket down. Safe to
// call repeatedly and from any goroutine.
func (c *connection) closeWithCode(code int, text string) {
	c.closeOnce.Do(func() {
		c.log.Debug().Int("code", code).Str("reason", text).Msg("Closing connection")

		c.wsMutex.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		c.wsMutex.Unlock()

		c.ws.Close()
	})
}

// abort tears the socket down without a close frame.
func (c *connection) abort() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}

// cleanup runs exactly once when the read loop exits. It stops the
// writer, unbinds the session and settles presence.
func (c *connection) cleanup() {
	c.abort()
	close(c.done)

	if c.zstd != nil {
		c.zstd.Release()
	}

	metrics.ConnectionsActive.Dec()
	c.gw.dropConnection(c)

	if c.sess == nil {
		return
	}
	sess := c.sess

	if c.cleanClose {
		// The client logged out. The session dies with the connection
		// rather than lingering for a resume.
		c.gw.destroySession(sess)
	} else {
		sess.detach(c)
		c.log.Info().Str("session", sess.ID).Msg("Session detached, waiting for resume")
	}

	if !c.gw.dispatcher.Online(sess.UserID) {
		c.gw.setPresence(sess.UserID, state.StatusOffline, nil)
	}
}
