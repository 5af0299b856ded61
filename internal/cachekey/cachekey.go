// Package cachekey derives deterministic cache keys from a contract identity
// and a canonicalized request payload.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/l0p7/contractcache/internal/canonical"
	"github.com/l0p7/contractcache/internal/contract"
)

// Length is the size of a key in hex characters.
const Length = sha256.Size * 2

const separator = ":"

// Compute returns the hex SHA-256 of
// name:version:policy:canonical(payload):salt.
//
// Payloads that differ only in volatile fields, key order or whitespace map to
// the same key. Any change to name, version or policy name changes it.
func Compute(id contract.Identity, payload any, salt string) (string, error) {
	serialized, err := serialize(payload)
	if err != nil {
		return "", fmt.Errorf("cachekey: %s: %w", id.Contract(), err)
	}
	material := strings.Join([]string{
		id.Name,
		id.Version,
		id.Policy,
		string(serialized),
		salt,
	}, separator)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// InputDigest hashes only the canonicalized payload. Two keys built from
// semantically identical payloads under different contract versions share the
// same digest.
func InputDigest(payload any) (string, error) {
	serialized, err := serialize(payload)
	if err != nil {
		return "", fmt.Errorf("cachekey: input digest: %w", err)
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

func serialize(payload any) ([]byte, error) {
	return canonical.Marshal(canonical.Canonicalize(payload))
}
