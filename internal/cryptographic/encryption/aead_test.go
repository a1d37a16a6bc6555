package encryption

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()
	plain := []byte("hello, sealed world")

	ct, err := Seal(key, plain, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, ct, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plain)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	key := testKey()
	plain := []byte("same plaintext")

	a, err := Seal(key, plain, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := Seal(key, plain, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of identical plaintext produced identical ciphertext")
	}
}

func TestOpenRejectsTamper(t *testing.T) {
	key := testKey()
	ct, err := Seal(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct[len(ct)-1] ^= 0xff

	if _, err := Open(key, ct, nil); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	ct, err := Seal(testKey(), []byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	other := bytes.Repeat([]byte{8}, KeySize)
	if _, err := Open(other, ct, nil); err == nil {
		t.Fatal("expected failure under a different key")
	}
}

func TestKeySizeEnforced(t *testing.T) {
	if _, err := Seal([]byte("short"), []byte("x"), nil); err == nil {
		t.Fatal("expected short key rejection")
	}
	if _, err := Open(bytes.Repeat([]byte{1}, 16), []byte("x"), nil); err == nil {
		t.Fatal("expected 16-byte key rejection")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	if _, err := Open(testKey(), []byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected short ciphertext rejection")
	}
}
