package services

import (
	"encoding/hex"
	"testing"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verify(t *testing.T, raw, body string) error {
	t.Helper()
	v, err := newChecksumVerifier(raw)
	require.NoError(t, err)
	require.NotNil(t, v)
	_, _ = v.Write([]byte(body))
	return v.Verify()
}

func TestChecksumForms(t *testing.T) {
	sum := sha256Hex([]byte("payload"))
	assert.NoError(t, verify(t, "sha256:"+sum, "payload"))
	assert.NoError(t, verify(t, sum, "payload"))
	assert.NoError(t, verify(t, "SHA256:"+sum, "payload"))

	h := xxhash.New()
	_, _ = h.Write([]byte("payload"))
	assert.NoError(t, verify(t, "xxh64:"+hex.EncodeToString(h.Sum(nil)), "payload"))

	assert.ErrorIs(t, verify(t, "sha256:"+sum, "tampered"), apperror.ErrIntegrity)
}

func TestChecksumRejectsMalformedInput(t *testing.T) {
	v, err := newChecksumVerifier("  ")
	require.NoError(t, err)
	assert.Nil(t, v)

	for _, raw := range []string{"sha256:zz", "crc32:abcd", "sha256:abcd", "xxh64:" + sha256Hex(nil)} {
		_, err := newChecksumVerifier(raw)
		assert.ErrorIs(t, err, apperror.ErrInvalidRequest, raw)
	}

	v, err = newChecksumVerifier("sha256:" + sha256Hex(nil))
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+sha256Hex(nil), v.String())
}
