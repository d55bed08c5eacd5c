package memcached

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/go-memcached/memcached/mcerr"
)

// Flag bits carried alongside every stored value (§4.A).
const (
	FlagCompressed uint32 = 0x02
	FlagOpaque     uint32 = 0x08
)

// Native handler markers (§4.A). The payload for every fixed-width integer
// tag is the marker byte followed immediately by the big-endian (or, for the
// two float tags, little-endian — the BitConverter convention the spec
// calls out) encoding with no padding. This is the single, documented layout
// chosen to resolve the "binary-compatibility hazard" Open Question in §9.
const (
	tagByte          byte = 1
	tagBool          byte = 2
	tagInt32         byte = 3
	tagInt64         byte = 4
	tagChar          byte = 5
	tagString        byte = 6
	tagStringBuilder byte = 7
	tagFloat32       byte = 8
	tagInt16         byte = 9
	tagFloat64       byte = 10
	tagDate          byte = 11
)

// Char represents a single UTF-16 code unit, the native-handler "char" shape.
type Char uint16

// StringBuilder is the native-handler "string-builder" shape: a mutable
// string wrapper, decoded distinctly from a plain string so round-tripping
// preserves which tag produced it.
type StringBuilder string

// codecOptions bundles the value-codec policy knobs from §3's Configuration
// enumeration that the codec itself needs.
type codecOptions struct {
	CompressEnable         bool
	CompressThresholdBytes int
	PrimitiveAsString      bool
}

// encodeValue implements §4.A's write path: primitive-as-string bypass,
// native-tag encoding, opaque gob fallback, and the compression threshold.
func encodeValue(v any, opts codecOptions) ([]byte, uint32, error) {
	if opts.PrimitiveAsString {
		s, err := primitiveToString(v)
		if err != nil {
			return nil, 0, mcerr.Wrap(mcerr.KindCodec, "encode primitive-as-string", err)
		}
		return []byte(s), 0, nil
	}

	payload, ok := encodeNative(v)
	var flags uint32
	if !ok {
		b, err := opaqueEncode(v)
		if err != nil {
			return nil, 0, mcerr.Wrap(mcerr.KindCodec, "opaque encode", err)
		}
		payload = b
		flags |= FlagOpaque
	}

	if opts.CompressEnable && opts.CompressThresholdBytes > 0 && len(payload) >= opts.CompressThresholdBytes {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, 0, mcerr.Wrap(mcerr.KindCodec, "gzip compress", err)
		}
		payload = compressed
		flags |= FlagCompressed
	}

	return payload, flags, nil
}

// decodeValue implements §4.A/§4.E's read path: the compressed bit always
// triggers decompression, regardless of the live compressEnable setting —
// "compressEnable=false suppresses compression on writes but never on
// reads". The opaque bit then selects gob decode; otherwise native-tag
// decode, or a verbatim string when the caller asked for asString (which
// also covers the primitive-as-string write path, since that path never
// sets the opaque bit).
func decodeValue(payload []byte, flags uint32, asString bool) (any, error) {
	if flags&FlagCompressed != 0 {
		raw, err := gzipDecompress(payload)
		if err != nil {
			return nil, mcerr.Wrap(mcerr.KindCodec, "gzip decompress", err)
		}
		payload = raw
	}

	if flags&FlagOpaque != 0 {
		v, err := opaqueDecode(payload)
		if err != nil {
			return nil, mcerr.Wrap(mcerr.KindCodec, "opaque decode", err)
		}
		return v, nil
	}

	if asString {
		return string(payload), nil
	}

	v, err := decodeNative(payload)
	if err != nil {
		return nil, mcerr.Wrap(mcerr.KindCodec, "native decode", err)
	}
	return v, nil
}

// encodeNative encodes a value in the native-handler set. ok is false for
// any shape outside that set, signalling the caller to fall back to the
// opaque serializer.
func encodeNative(v any) ([]byte, bool) {
	switch val := v.(type) {
	case byte:
		return []byte{tagByte, val}, true
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{tagBool, b}, true
	case int32:
		buf := make([]byte, 5)
		buf[0] = tagInt32
		binary.BigEndian.PutUint32(buf[1:], uint32(val))
		return buf, true
	case int64:
		buf := make([]byte, 9)
		buf[0] = tagInt64
		binary.BigEndian.PutUint64(buf[1:], uint64(val))
		return buf, true
	case Char:
		buf := make([]byte, 5)
		buf[0] = tagChar
		binary.BigEndian.PutUint32(buf[1:], uint32(val))
		return buf, true
	case string:
		return append([]byte{tagString}, []byte(val)...), true
	case StringBuilder:
		return append([]byte{tagStringBuilder}, []byte(val)...), true
	case float32:
		buf := make([]byte, 5)
		buf[0] = tagFloat32
		binary.LittleEndian.PutUint32(buf[1:], math.Float32bits(val))
		return buf, true
	case int16:
		buf := make([]byte, 5)
		buf[0] = tagInt16
		binary.BigEndian.PutUint32(buf[1:], uint32(int32(val)))
		return buf, true
	case float64:
		buf := make([]byte, 9)
		buf[0] = tagFloat64
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(val))
		return buf, true
	case time.Time:
		buf := make([]byte, 9)
		buf[0] = tagDate
		binary.BigEndian.PutUint64(buf[1:], uint64(unixTicks(val)))
		return buf, true
	default:
		return nil, false
	}
}

func decodeNative(payload []byte) (any, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty native payload")
	}
	tag := payload[0]
	body := payload[1:]
	switch tag {
	case tagByte:
		if len(body) < 1 {
			return nil, fmt.Errorf("short byte payload")
		}
		return body[0], nil
	case tagBool:
		if len(body) < 1 {
			return nil, fmt.Errorf("short bool payload")
		}
		return body[0] != 0, nil
	case tagInt32:
		if len(body) < 4 {
			return nil, fmt.Errorf("short int32 payload")
		}
		return int32(binary.BigEndian.Uint32(body)), nil
	case tagInt64:
		if len(body) < 8 {
			return nil, fmt.Errorf("short int64 payload")
		}
		return int64(binary.BigEndian.Uint64(body)), nil
	case tagChar:
		if len(body) < 4 {
			return nil, fmt.Errorf("short char payload")
		}
		return Char(binary.BigEndian.Uint32(body)), nil
	case tagString:
		return string(body), nil
	case tagStringBuilder:
		return StringBuilder(body), nil
	case tagFloat32:
		if len(body) < 4 {
			return nil, fmt.Errorf("short float32 payload")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(body)), nil
	case tagInt16:
		if len(body) < 4 {
			return nil, fmt.Errorf("short int16 payload")
		}
		return int16(int32(binary.BigEndian.Uint32(body))), nil
	case tagFloat64:
		if len(body) < 8 {
			return nil, fmt.Errorf("short float64 payload")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), nil
	case tagDate:
		if len(body) < 8 {
			return nil, fmt.Errorf("short date payload")
		}
		return ticksToTime(int64(binary.BigEndian.Uint64(body))), nil
	default:
		return nil, fmt.Errorf("unknown native tag %d", tag)
	}
}

// opaqueEncode serializes a value outside the native-handler set using
// encoding/gob, the Go-idiomatic analogue of the "language-appropriate
// binary formatter" the spec calls for. The concrete type is registered with
// gob first, since gob refuses to encode an interface value of an
// unregistered type.
func opaqueEncode(v any) ([]byte, error) {
	if v != nil {
		gob.Register(v)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func opaqueDecode(payload []byte) (any, error) {
	var v any
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func gzipCompress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// primitiveToString renders a primitive per the asymmetry contract in §4.A:
// no tag byte, no flags, just its UTF-8 textual representation. Counters
// always flow through this path (§4.E, §9) since memcached's incr/decr
// require an ASCII decimal body.
func primitiveToString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case StringBuilder:
		return string(val), nil
	case byte:
		return strconv.Itoa(int(val)), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int16:
		return strconv.Itoa(int(val)), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int:
		return strconv.Itoa(val), nil
	case Char:
		return string(rune(val)), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case time.Time:
		return strconv.FormatInt(unixTicks(val), 10), nil
	default:
		return "", fmt.Errorf("type %T cannot be stored as primitive-as-string", v)
	}
}

// unixTicks and ticksToTime count 100ns ticks from the Unix (1970-01-01)
// epoch rather than the source ecosystem's year-1 epoch, documented in
// DESIGN.md.
const ticksPerSecond = 10_000_000 // 100ns units

func unixTicks(t time.Time) int64 {
	sec := t.Unix()
	nsec := int64(t.Nanosecond())
	return sec*ticksPerSecond + nsec/100
}

func ticksToTime(ticks int64) time.Time {
	sec := ticks / ticksPerSecond
	rem := ticks % ticksPerSecond
	return time.Unix(sec, rem*100).UTC()
}
