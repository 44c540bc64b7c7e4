package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/cespare/xxhash/v2"
)

// checksumVerifier checks a chunk body against a client supplied digest.
// Accepted forms: "sha256:<hex>", "xxh64:<hex>" and bare hex (sha256).
type checksumVerifier struct {
	algo string
	want []byte
	h    hash.Hash
}

func newChecksumVerifier(raw string) (*checksumVerifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	algo, digest := "sha256", raw
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		algo, digest = strings.ToLower(raw[:i]), raw[i+1:]
	}

	want, err := hex.DecodeString(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed checksum %q", apperror.ErrInvalidRequest, raw)
	}

	v := &checksumVerifier{algo: algo, want: want}
	switch algo {
	case "sha256":
		v.h = sha256.New()
	case "xxh64":
		v.h = xxhash.New()
	default:
		return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", apperror.ErrInvalidRequest, algo)
	}
	if len(want) != v.h.Size() {
		return nil, fmt.Errorf("%w: %s checksum must be %d bytes", apperror.ErrInvalidRequest, algo, v.h.Size())
	}
	return v, nil
}

func (v *checksumVerifier) Write(p []byte) (int, error) {
	return v.h.Write(p)
}

func (v *checksumVerifier) Verify() error {
	got := v.h.Sum(nil)
	if !bytes.Equal(got, v.want) {
		return fmt.Errorf("%w: %s mismatch, got %x want %x", apperror.ErrIntegrity, v.algo, got, v.want)
	}
	return nil
}

func (v *checksumVerifier) String() string {
	return v.algo + ":" + hex.EncodeToString(v.want)
}
