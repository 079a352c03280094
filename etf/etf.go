// Package etf implements the subset of the Erlang external term format the
// gateway speaks: maps, lists, binaries, atoms, integers and floats. Values
// map onto the generic JSON shapes (map[string]interface{}, []interface{},
// string, float64, int64, bool, nil) so frames can cross between encodings.
package etf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	versionTag       = 131
	newFloatExt      = 70
	smallIntegerExt  = 97
	integerExt       = 98
	atomExt          = 100
	nilExt           = 106
	stringExt        = 107
	listExt          = 108
	binaryExt        = 109
	smallBigExt      = 110
	smallAtomExt     = 115
	mapExt           = 116
	atomUTF8Ext      = 118
	smallAtomUTF8Ext = 119
)

const maxDepth = 32

var (
	// ErrBadVersion is returned when a term does not begin with the
	// format version byte 131.
	ErrBadVersion = errors.New("etf: data does not start with version 131")

	// ErrTruncated is returned when a term ends before its advertised
	// length.
	ErrTruncated = errors.New("etf: truncated term")

	// ErrTooDeep is returned when nesting exceeds the supported depth.
	ErrTooDeep = errors.New("etf: term nesting too deep")
)

// Marshal encodes a generic value as a complete external term, version
// byte included.
func Marshal(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(versionTag)
	if err := encode(buf, v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a complete external term into generic values.
func Unmarshal(data []byte) (v interface{}, err error) {
	if len(data) < 1 || data[0] != versionTag {
		return nil, ErrBadVersion
	}
	d := &decoder{data: data, pos: 1}
	v, err = d.decode(0)
	if err != nil {
		return nil, err
	}
	return
}

func encode(buf *bytes.Buffer, v interface{}, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}

	switch t := v.(type) {
	case nil:
		writeAtom(buf, "nil")
	case bool:
		if t {
			writeAtom(buf, "true")
		} else {
			writeAtom(buf, "false")
		}
	case string:
		writeBinary(buf, t)
	case int:
		encodeInt(buf, int64(t))
	case int32:
		encodeInt(buf, int64(t))
	case int64:
		encodeInt(buf, t)
	case float32:
		encodeFloat(buf, float64(t))
	case float64:
		encodeFloat(buf, t)
	case []interface{}:
		if len(t) == 0 {
			buf.WriteByte(nilExt)
			return nil
		}
		buf.WriteByte(listExt)
		writeUint32(buf, uint32(len(t)))
		for _, elem := range t {
			if err := encode(buf, elem, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(nilExt)
	case map[string]interface{}:
		buf.WriteByte(mapExt)
		writeUint32(buf, uint32(len(t)))
		for key, val := range t {
			writeBinary(buf, key)
			if err := encode(buf, val, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("etf: cannot encode %T", v)
	}
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) {
	// Integral values travel as integers so numbers keep their JSON
	// shape across a round trip.
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		encodeInt(buf, int64(f))
		return
	}
	buf.WriteByte(newFloatExt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func encodeInt(buf *bytes.Buffer, i int64) {
	switch {
	case i >= 0 && i <= 255:
		buf.WriteByte(smallIntegerExt)
		buf.WriteByte(byte(i))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf.WriteByte(integerExt)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(i)))
		buf.Write(b[:])
	default:
		buf.WriteByte(smallBigExt)
		sign := byte(0)
		u := uint64(i)
		if i < 0 {
			sign = 1
			u = uint64(-(i + 1)) + 1
		}
		var mag [8]byte
		n := 0
		for u > 0 {
			mag[n] = byte(u)
			u >>= 8
			n++
		}
		buf.WriteByte(byte(n))
		buf.WriteByte(sign)
		buf.Write(mag[:n])
	}
}

func writeAtom(buf *bytes.Buffer, name string) {
	buf.WriteByte(smallAtomUTF8Ext)
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
}

func writeBinary(buf *bytes.Buffer, s string) {
	buf.WriteByte(binaryExt)
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeUint32(buf *bytes.Buffer, u uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	buf.Write(b[:])
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) decode(depth int) (interface{}, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case smallIntegerExt:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return int64(b), nil
	case integerExt:
		u, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return int64(int32(u)), nil
	case newFloatExt:
		b, err := d.readN(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case smallBigExt:
		return d.decodeSmallBig()
	case atomExt, atomUTF8Ext:
		n, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		name, err := d.readN(int(n))
		if err != nil {
			return nil, err
		}
		return atomValue(string(name)), nil
	case smallAtomExt, smallAtomUTF8Ext:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		name, err := d.readN(int(n))
		if err != nil {
			return nil, err
		}
		return atomValue(string(name)), nil
	case nilExt:
		return []interface{}{}, nil
	case stringExt:
		n, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case binaryExt:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := d.readN(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case listExt:
		count, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		list := make([]interface{}, 0, count)
		for i := uint32(0); i < count; i++ {
			elem, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, elem)
		}
		tail, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if tail != nilExt {
			return nil, fmt.Errorf("etf: improper list tail tag %d", tail)
		}
		return list, nil
	case mapExt:
		arity, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, arity)
		for i := uint32(0); i < arity; i++ {
			key, err := d.decodeKey(depth + 1)
			if err != nil {
				return nil, err
			}
			val, err := d.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		return m, nil
	default:
		return nil, fmt.Errorf("etf: unknown type tag %d", tag)
	}
}

// decodeKey reads a map key. Keys are atoms or binaries on the wire; both
// come back as plain strings without atom interpretation, so a key named
// "nil" survives.
func (d *decoder) decodeKey(depth int) (string, error) {
	save := d.pos
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}

	switch tag {
	case atomExt, atomUTF8Ext:
		n, err := d.readUint16()
		if err != nil {
			return "", err
		}
		name, err := d.readN(int(n))
		if err != nil {
			return "", err
		}
		return string(name), nil
	case smallAtomExt, smallAtomUTF8Ext:
		n, err := d.readByte()
		if err != nil {
			return "", err
		}
		name, err := d.readN(int(n))
		if err != nil {
			return "", err
		}
		return string(name), nil
	}

	d.pos = save
	v, err := d.decode(depth)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	}
	return "", fmt.Errorf("etf: unsupported map key type %T", v)
}

func (d *decoder) decodeSmallBig() (interface{}, error) {
	n, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if n > 8 {
		return nil, fmt.Errorf("etf: big integer of %d bytes exceeds 64 bits", n)
	}
	sign, err := d.readByte()
	if err != nil {
		return nil, err
	}
	mag, err := d.readN(int(n))
	if err != nil {
		return nil, err
	}
	var u uint64
	for i := int(n) - 1; i >= 0; i-- {
		u = u<<8 | uint64(mag[i])
	}
	if sign == 0 {
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("etf: big integer %d exceeds int64", u)
		}
		return int64(u), nil
	}
	if u == 1<<63 {
		return int64(math.MinInt64), nil
	}
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("etf: big integer -%d exceeds int64", u)
	}
	return -int64(u), nil
}

func atomValue(name string) interface{} {
	switch name {
	case "nil", "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	return name
}
