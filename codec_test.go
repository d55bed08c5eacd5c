package memcached

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeNativeRoundTrip(t *testing.T) {
	cases := []any{
		byte(42),
		true,
		false,
		int16(-1234),
		int32(-123456789),
		int64(9223372036854775807),
		"hello world",
		StringBuilder("mutable string"),
		Char('x'),
		float32(3.14),
		float64(2.718281828),
	}

	for _, v := range cases {
		payload, flags, err := encodeValue(v, codecOptions{})
		if err != nil {
			t.Fatalf("encodeValue(%v) error: %v", v, err)
		}
		if flags&FlagOpaque != 0 {
			t.Errorf("encodeValue(%v): unexpected opaque flag for native type", v)
		}
		got, err := decodeValue(payload, flags, false)
		if err != nil {
			t.Fatalf("decodeValue(%v) error: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip mismatch: got %#v (%T), want %#v (%T)", got, got, v, v)
		}
	}
}

func TestEncodeDecodeDateRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	payload, flags, err := encodeValue(want, codecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	gt, ok := got.(time.Time)
	if !ok {
		t.Fatalf("decoded value is %T, want time.Time", got)
	}
	if !gt.Equal(want) {
		t.Errorf("decoded time = %v, want %v", gt, want)
	}
}

func TestEncodeOpaqueFallback(t *testing.T) {
	type custom struct {
		A int
		B string
	}
	v := custom{A: 7, B: "seven"}
	payload, flags, err := encodeValue(v, codecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if flags&FlagOpaque == 0 {
		t.Fatal("expected opaque flag for a struct with no native tag")
	}
	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	gc, ok := got.(custom)
	if !ok || gc != v {
		t.Errorf("decoded opaque value = %#v, want %#v", got, v)
	}
}

func TestPrimitiveAsStringBypassesTagsAndFlags(t *testing.T) {
	payload, flags, err := encodeValue(int64(42), codecOptions{PrimitiveAsString: true})
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Errorf("expected flags=0 for primitive-as-string, got %d", flags)
	}
	if string(payload) != "42" {
		t.Errorf("payload = %q, want \"42\"", payload)
	}
}

func TestCompressionAppliesAboveThreshold(t *testing.T) {
	big := strings.Repeat("a", 1024)
	opts := codecOptions{CompressEnable: true, CompressThresholdBytes: 100}

	payload, flags, err := encodeValue(big, opts)
	if err != nil {
		t.Fatal(err)
	}
	if flags&FlagCompressed == 0 {
		t.Fatal("expected compressed flag above threshold")
	}
	if len(payload) >= len(big) {
		t.Errorf("expected compressed payload to shrink, got %d bytes for %d input", len(payload), len(big))
	}

	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != big {
		t.Error("decompressed value did not round trip")
	}
}

func TestCompressionSkippedBelowThreshold(t *testing.T) {
	small := "short"
	opts := codecOptions{CompressEnable: true, CompressThresholdBytes: 100}

	_, flags, err := encodeValue(small, opts)
	if err != nil {
		t.Fatal(err)
	}
	if flags&FlagCompressed != 0 {
		t.Error("expected no compression below threshold")
	}
}

func TestDecodeAlwaysDecompressesRegardlessOfLiveSetting(t *testing.T) {
	big := strings.Repeat("b", 1024)
	payload, flags, err := encodeValue(big, codecOptions{CompressEnable: true, CompressThresholdBytes: 10})
	if err != nil {
		t.Fatal(err)
	}

	// Decode with compression "disabled" in the caller's live options — the
	// compressed bit on the wire still forces decompression.
	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != big {
		t.Error("decodeValue must decompress on the flag bit regardless of caller's compressEnable")
	}
}

func TestPrimitiveToStringRejectsUnsupportedType(t *testing.T) {
	type custom struct{}
	if _, err := primitiveToString(custom{}); err == nil {
		t.Error("expected an error for an unsupported primitive-as-string type")
	}
}

func TestUnixTicksRoundTrip(t *testing.T) {
	want := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	got := ticksToTime(unixTicks(want))
	if !got.Equal(want) {
		t.Errorf("ticksToTime(unixTicks(t)) = %v, want %v", got, want)
	}
}
