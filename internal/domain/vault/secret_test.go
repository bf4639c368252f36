package vault

import (
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) *[32]byte {
	t.Helper()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := ParseKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	return key
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := testKey(t)

	sealed, err := Seal(key, []byte("spare key under the mat"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plain, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "spare key under the mat" {
		t.Fatalf("roundtrip mangled plaintext: %q", plain)
	}
}

func TestOpenWrongKey(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var other [32]byte
	other[0] = 0xff
	if _, err := Open(&other, sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("wrong key: got %v, want ErrOpenFailed", err)
	}
}

func TestOpenMalformed(t *testing.T) {
	key := testKey(t)

	if _, err := Open(key, "!!not-base64!!"); !errors.Is(err, ErrBadCiphertext) {
		t.Fatalf("bad base64: got %v", err)
	}
	if _, err := Open(key, base64.StdEncoding.EncodeToString([]byte("short"))); !errors.Is(err, ErrBadCiphertext) {
		t.Fatalf("too-short ciphertext: got %v", err)
	}
}

func TestParseKeyValidation(t *testing.T) {
	if _, err := ParseKey("not base64"); !errors.Is(err, ErrBadKey) {
		t.Fatalf("bad base64: got %v", err)
	}
	if _, err := ParseKey(base64.StdEncoding.EncodeToString(make([]byte, 16))); !errors.Is(err, ErrBadKey) {
		t.Fatalf("short key: got %v", err)
	}
}
