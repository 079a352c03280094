package gateway

import (
	"bytes"
	"compress/zlib"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/palaver-chat/palaver/etf"
)

// Codec encodes outbound payloads and decodes inbound frames for one
// wire encoding.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(p sentPayload) ([]byte, error)
	Unmarshal(frame []byte) (receivedPayload, error)
}

// codecFor maps the encoding query parameter to a codec. An empty
// value selects JSON.
func codecFor(encoding string) (Codec, bool) {
	switch encoding {
	case "", "json":
		return jsonCodec{}, true
	case "etf":
		return etfCodec{}, true
	}

	return nil, false
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(p sentPayload) ([]byte, error) {
	return json.Marshal(p)
}

func (jsonCodec) Unmarshal(frame []byte) (p receivedPayload, err error) {
	err = json.Unmarshal(frame, &p)
	return
}

type etfCodec struct{}

func (etfCodec) Name() string     { return "etf" }
func (etfCodec) MessageType() int { return websocket.BinaryMessage }

// Marshal rounds the payload through JSON first so ETF clients see the
// exact field shapes and omissions the JSON path produces.
func (etfCodec) Marshal(p sentPayload) (frame []byte, err error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}

	var generic interface{}
	if err = json.Unmarshal(raw, &generic); err != nil {
		return
	}

	return etf.Marshal(generic)
}

func (etfCodec) Unmarshal(frame []byte) (p receivedPayload, err error) {
	generic, err := etf.Unmarshal(frame)
	if err != nil {
		return
	}

	fields, ok := generic.(map[string]interface{})
	if !ok {
		err = fmt.Errorf("etf: frame decodes to %T, not a map", generic)
		return
	}

	switch op := fields["op"].(type) {
	case int64:
		p.Op = int(op)
	case float64:
		p.Op = int(op)
	default:
		err = fmt.Errorf("etf: op is %T, not a number", fields["op"])
		return
	}

	if t, ok := fields["t"].(string); ok {
		p.Type = t
	}

	if d, ok := fields["d"]; ok && d != nil {
		p.Data, err = json.Marshal(d)
	}

	return
}

// deflatePayload zlib compresses one encoded frame. Sessions that asked
// for compression receive READY through this.
func deflatePayload(frame []byte) (out []byte, err error) {
	var buf bytes.Buffer

	zw := zlib.NewWriter(&buf)
	if _, err = zw.Write(frame); err != nil {
		return
	}
	if err = zw.Close(); err != nil {
		return
	}

	return buf.Bytes(), nil
}
