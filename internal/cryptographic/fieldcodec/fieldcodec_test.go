package fieldcodec

import (
	"bytes"
	"testing"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newCodec(t)

	ct, err := c.Encode("alice")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Decode(ct)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "alice" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestEncodeIsNonDeterministic(t *testing.T) {
	c := newCodec(t)

	a, _ := c.Encode("alice")
	b, _ := c.Encode("alice")
	if bytes.Equal(a, b) {
		t.Fatal("ciphertext comparison of encoded fields must never be possible")
	}
}

func TestMatches(t *testing.T) {
	c := newCodec(t)
	ct, _ := c.Encode("alice")

	if !c.Matches(ct, "alice") {
		t.Fatal("expected match")
	}
	if c.Matches(ct, "bob") {
		t.Fatal("unexpected match")
	}
	if c.Matches([]byte("garbage"), "alice") {
		t.Fatal("undecodable field matched a value")
	}
}
