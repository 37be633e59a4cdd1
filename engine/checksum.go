package engine

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"sync"

	"github.com/franksops/blobshift/store"
)

// ChecksumPool manages reusable MD5 hashers to reduce allocations when many
// workers fingerprint content at once.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return md5.New()
			},
		},
	}
}

// Get retrieves a hasher from the pool.
func (cp *ChecksumPool) Get() hash.Hash {
	return cp.pool.Get().(hash.Hash)
}

// Put returns a hasher to the pool after resetting it.
func (cp *ChecksumPool) Put(h hash.Hash) {
	h.Reset()
	cp.pool.Put(h)
}

// Fingerprint returns the base64 encoded MD5 of content, the same form
// object stores use for Content-MD5.
func (cp *ChecksumPool) Fingerprint(content []byte) string {
	h := cp.Get()
	defer cp.Put(h)

	h.Write(content)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

var defaultChecksums = NewChecksumPool()

// Fingerprint returns the base64 encoded MD5 of content.
func Fingerprint(content []byte) string {
	return defaultChecksums.Fingerprint(content)
}

// Validate decides whether fetched content can be trusted.
//
// When the source reported a checksum, the fingerprint must match it. When
// it did not, the content length must match the reported length. Any other
// outcome is a failure and yields ValidationNone.
func Validate(rec *store.Record, content []byte, fingerprint string) store.Validation {
	if rec.SourceChecksum != "" {
		if rec.SourceChecksum == fingerprint {
			return store.ValidationChecksum
		}
		return store.ValidationNone
	}
	if int64(len(content)) == rec.SourceLength {
		return store.ValidationLength
	}
	return store.ValidationNone
}

// applyValidation stores the fingerprint and validation outcome on rec.
func applyValidation(rec *store.Record, fingerprint string, v store.Validation) {
	rec.LocalChecksum = fingerprint
	rec.Validation = v
	rec.ValidationFailed = v == store.ValidationNone
}
