package attr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored values.
const (
	DomainAttributes = "resultsync/attributes/v1"
	DomainModel      = "resultsync/model/v1"
)

// HashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a content hash of obj. Two objects with equal
// attributes (after NFC normalization) always share a fingerprint.
// Explicit Null values are dropped first so they match absent keys.
func Fingerprint(obj Object) (string, error) {
	trimmed := make(Object, len(obj))
	for k, v := range obj {
		if KindOf(v) != KindNull {
			trimmed[k] = v
		}
	}
	data, err := MarshalCanonical(trimmed)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return HashWithDomain(DomainAttributes, data), nil
}
