package wsencrypt_test

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/mcpews/mcpews/crypto/wsencrypt"
)

func TestKeyAgreement(t *testing.T) {
	a, err := wsencrypt.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := wsencrypt.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	ab, err := a.DeriveSecret(b.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	ba, err := b.DeriveSecret(a.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets differ")
	}
	if len(ab) == 0 {
		t.Fatal("empty shared secret")
	}
}

func TestDeriveSecretRejectsGarbage(t *testing.T) {
	a, err := wsencrypt.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DeriveSecret("not base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := a.DeriveSecret("aGVsbG8gd29ybGQ="); err == nil {
		t.Fatal("expected error for non-SPKI bytes")
	}
}

func TestSessionKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	shared := []byte("shared secret bytes")

	want := sha256.Sum256(append(append([]byte{}, salt...), shared...))
	got := wsencrypt.SessionKey(salt, shared)
	if got != want {
		t.Fatal("session key is not SHA-256(salt || shared)")
	}
}

func TestNewSalt(t *testing.T) {
	s1, err := wsencrypt.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := wsencrypt.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != wsencrypt.SaltSize {
		t.Fatalf("salt length %d", len(s1))
	}
	if bytes.Equal(s1, s2) {
		t.Fatal("two salts are identical")
	}
}

func TestLegacyCommandRoundTrip(t *testing.T) {
	kp, err := wsencrypt.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	line := wsencrypt.BuildLegacyCommand(kp.PublicKey(), "c2FsdHNhbHRzYWx0c2E=", wsencrypt.ModeCFB8)
	if !strings.HasPrefix(line, "enableencryption ") {
		t.Fatalf("line %q", line)
	}
	if !wsencrypt.IsLegacyCommand(line) {
		t.Fatal("IsLegacyCommand rejected its own output")
	}

	pub, salt, mode, ok, err := wsencrypt.ParseLegacyCommand(line)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if pub != kp.PublicKey() || salt != "c2FsdHNhbHRzYWx0c2E=" || mode != wsencrypt.ModeCFB8 {
		t.Fatal("round trip mismatch")
	}
}

func TestLegacyCommandDefaultMode(t *testing.T) {
	// One implementation found in the wild omits the mode; the default is cfb8.
	line := wsencrypt.BuildLegacyCommand("cHVi", "c2FsdA==", "")
	_, _, mode, ok, err := wsencrypt.ParseLegacyCommand(line)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if mode != wsencrypt.ModeCFB8 {
		t.Fatalf("default mode %q", mode)
	}
}

func TestLegacyCommandRejectsOrdinaryLines(t *testing.T) {
	_, _, _, ok, err := wsencrypt.ParseLegacyCommand("/say hello")
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	_, _, _, ok, err = wsencrypt.ParseLegacyCommand("enableencryption onlyonearg")
	if !ok || err == nil {
		t.Fatal("expected malformed handshake error")
	}
}

func TestLegacyCommandBareTokens(t *testing.T) {
	pub, salt, mode, ok, err := wsencrypt.ParseLegacyCommand("enableencryption cHVia2V5 c2FsdA== cfb")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if pub != "cHVia2V5" || salt != "c2FsdA==" || mode != wsencrypt.ModeCFB {
		t.Fatal("bare token parse mismatch")
	}
}
