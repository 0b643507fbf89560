// Package integrity wraps the cryptographic primitives fwup-go uses to
// protect and identify an archive: BLAKE2b-256 digests over resource
// contents, detached Ed25519 signatures over meta.conf, and a
// deterministic UUID derived from a meta.conf's bytes.
//
// Grounded on cfgfile.c's calculate_uuid/cfgfile_parse_fw_ae (signature
// verification) and fwfile.c's fwfile_add_meta_conf_str (signing), ported
// from libsodium's crypto_generichash/crypto_sign to golang.org/x/crypto/
// blake2b and the standard library's crypto/ed25519 -- Go's ed25519 package
// implements the same Ed25519 scheme libsodium's crypto_sign_detached does,
// so no third-party signing library is needed (see DESIGN.md for why
// github.com/ProtonMail/go-crypto, an OpenPGP stack seen elsewhere in the
// retrieval pack, is the wrong shape for a raw detached signature).
package integrity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// HashResource returns the hex-encoded BLAKE2b-256 digest of data, in the
// same format stored in a file-resource's blake2b-256 attribute.
func HashResource(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewHasher returns a running BLAKE2b-256 hash state for incrementally
// hashing a resource as it streams through, rather than buffering the
// whole thing to call HashResource.
func NewHasher() (hash.Hash, error) {
	return blake2b.New256(nil)
}

// Sign produces a detached Ed25519 signature over data using privateKey
// (ed25519.PrivateKey, 64 bytes), mirroring fwfile_add_meta_conf_str's
// crypto_sign_detached call.
func Sign(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// Verify checks a detached Ed25519 signature against data, trying each of
// publicKeys in turn (an archive may be accepted by any one of several
// trusted keys), mirroring cfgfile_parse_fw_ae's public_keys loop.
func Verify(publicKeys []ed25519.PublicKey, data, signature []byte) bool {
	for _, pub := range publicKeys {
		if ed25519.Verify(pub, data, signature) {
			return true
		}
	}
	return false
}

// fwupUUID is fwup's namespace UUID, hashed together with a meta.conf's
// bytes to derive a per-archive UUID. Taken verbatim from
// calculate_uuid's fwup_uuid constant (2053dffb-d51e-4310-b93b-956da89f9f34).
var fwupUUID = [16]byte{
	0x20, 0x53, 0xdf, 0xfb, 0xd5, 0x1e, 0x43, 0x10,
	0xb9, 0x3b, 0x95, 0x6d, 0xa8, 0x9f, 0x9f, 0x34,
}

// DeriveUUID computes a deterministic archive UUID from a meta.conf's raw
// bytes: BLAKE2b-256(fwupUUID || metaConf), with the RFC 4122 version
// nibble forced to 5 for formatting purposes even though the underlying
// hash isn't SHA-1 -- this reproduces calculate_uuid's output exactly, bug
// for bug, since downstream tooling may already depend on the exact string.
func DeriveUUID(metaConf []byte) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("integrity: %w", err)
	}
	h.Write(fwupUUID[:])
	h.Write(metaConf)
	sum := h.Sum(nil)

	sum[6] = (sum[6] & 0x0f) | 0x50

	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		sum[0], sum[1], sum[2], sum[3], sum[4], sum[5], sum[6], sum[7],
		sum[8], sum[9], sum[10], sum[11], sum[12], sum[13], sum[14], sum[15]), nil
}
