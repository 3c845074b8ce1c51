package canon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for derived identities. The version suffix leaves room
// for an algorithm migration without colliding with old digests.
const (
	DomainProof          = "atomjob/proof/v1"
	DomainIdempotencyKey = "atomjob/idempotency/v1"
	DomainInputSet       = "atomjob/inputs/v1"
)

// ContentHash is the content-addressable digest used for every integrity
// field: lowercase hex SHA-256 of the exact bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest canonicalizes v and hashes it under domain.
func Digest(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// DeriveIdempotencyKey computes the key used when a caller submits without
// one. Identical tenant, transform and input content yield the same key.
func DeriveIdempotencyKey(tenantID, transformType string, inputHashes []string) (string, error) {
	key, err := Digest(DomainIdempotencyKey, map[string]any{
		"tenant_id":      tenantID,
		"transform_type": transformType,
		"inputs":         inputHashes,
	})
	if err != nil {
		return "", err
	}
	return "idem-" + key[:32], nil
}

// Sign returns the hex HMAC-SHA256 of digest under key.
func Sign(key []byte, digest string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature of digest.
func VerifySignature(key []byte, digest, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(digest))
	return hmac.Equal(mac.Sum(nil), want)
}
