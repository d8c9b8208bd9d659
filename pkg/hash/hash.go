package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// GenerateHash generates a deterministic hash for the given data
func GenerateHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// GenerateKeyID generates the identifier of a launch key from its canonical
// serialised form
func GenerateKeyID(canonical []byte) string {
	return "srv-" + GenerateHash(canonical)
}

// GenerateContainerName generates a container name for a server process.
// Container names must be short and stable for a given key.
func GenerateContainerName(keyID string) string {
	hash := GenerateHash([]byte(keyID))
	return "buildsrv-" + hash[:16]
}
