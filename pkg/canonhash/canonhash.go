// Package canonhash hashes objects through their canonical JSON encoding.
// Snapshots carry these hashes so a stored version can be checked for
// tampering without field-by-field comparison.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), b, nil
}
