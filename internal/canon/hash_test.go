package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashMatchesSHA256(t *testing.T) {
	data := []byte("extracted payload")
	sum := sha256.Sum256(data)

	assert.Equal(t, hex.EncodeToString(sum[:]), ContentHash(data))
	assert.Len(t, ContentHash(nil), 64)
}

func TestDigestDeterminism(t *testing.T) {
	v := map[string]any{"job_id": "j-1", "attempt": 1}

	d1, err := Digest(DomainProof, v)
	require.NoError(t, err)
	d2, err := Digest(DomainProof, map[string]any{"attempt": 1, "job_id": "j-1"})
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "key order must not affect the digest")
	assert.Len(t, d1, 64)
}

func TestDigestDomainSeparation(t *testing.T) {
	v := map[string]any{"a": "b"}

	d1, err := Digest(DomainProof, v)
	require.NoError(t, err)
	d2, err := Digest(DomainInputSet, v)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigestRejectsFloats(t *testing.T) {
	_, err := Digest(DomainProof, map[string]any{"cost": 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), DomainProof)
}

func TestDeriveIdempotencyKey(t *testing.T) {
	k1, err := DeriveIdempotencyKey("tenant-a", "payslip_extraction", []string{"h1", "h2"})
	require.NoError(t, err)
	k2, err := DeriveIdempotencyKey("tenant-a", "payslip_extraction", []string{"h1", "h2"})
	require.NoError(t, err)
	k3, err := DeriveIdempotencyKey("tenant-b", "payslip_extraction", []string{"h1", "h2"})
	require.NoError(t, err)
	k4, err := DeriveIdempotencyKey("tenant-a", "payslip_extraction", []string{"h2", "h1"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4, "input order is part of the submission")
	assert.Regexp(t, `^idem-[0-9a-f]{32}$`, k1)
}

func TestSignAndVerify(t *testing.T) {
	key := []byte("secret")
	sig := Sign(key, "abc")

	assert.True(t, VerifySignature(key, "abc", sig))
	assert.False(t, VerifySignature(key, "abd", sig))
	assert.False(t, VerifySignature([]byte("other"), "abc", sig))
	assert.False(t, VerifySignature(key, "abc", "not-hex"))
}
