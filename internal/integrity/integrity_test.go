package integrity

import (
	"crypto/ed25519"
	"testing"
)

func TestHashResourceIsDeterministic(t *testing.T) {
	a := HashResource([]byte("hello"))
	b := HashResource([]byte("hello"))
	if a != b {
		t.Fatalf("HashResource not deterministic: %q vs %q", a, b)
	}
	if HashResource([]byte("other")) == a {
		t.Fatalf("different inputs hashed to the same digest")
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	data := []byte("meta.conf contents")
	sig := Sign(priv, data)

	if !Verify([]ed25519.PublicKey{pub}, data, sig) {
		t.Fatalf("Verify rejected a valid signature")
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if Verify([]ed25519.PublicKey{otherPub}, data, sig) {
		t.Fatalf("Verify accepted a signature under the wrong key")
	}
	if Verify([]ed25519.PublicKey{otherPub, pub}, data, sig) == false {
		t.Fatalf("Verify should accept when any of several keys matches")
	}
}

func TestDeriveUUIDIsDeterministicAndVersioned(t *testing.T) {
	uuid1, err := DeriveUUID([]byte("meta.conf v1"))
	if err != nil {
		t.Fatalf("DeriveUUID: %v", err)
	}
	uuid2, err := DeriveUUID([]byte("meta.conf v1"))
	if err != nil {
		t.Fatalf("DeriveUUID: %v", err)
	}
	if uuid1 != uuid2 {
		t.Fatalf("DeriveUUID not deterministic: %q vs %q", uuid1, uuid2)
	}
	if len(uuid1) != 36 {
		t.Fatalf("DeriveUUID produced %q, want 36 chars", uuid1)
	}
	if uuid1[14] != '5' {
		t.Fatalf("DeriveUUID version nibble = %c, want 5", uuid1[14])
	}

	uuid3, err := DeriveUUID([]byte("meta.conf v2"))
	if err != nil {
		t.Fatalf("DeriveUUID: %v", err)
	}
	if uuid3 == uuid1 {
		t.Fatalf("different meta.conf bytes produced the same UUID")
	}
}
