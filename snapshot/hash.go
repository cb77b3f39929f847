package snapshot

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// payloadDomainKey is the fixed 32-byte key for BLAKE3 keyed hashing of
// snapshot payloads. Domain separation keeps snapshot IDs from colliding
// with hashes of the same bytes computed elsewhere. The bytes are the ASCII
// encoding of the domain name, zero-padded to 32 bytes, so the key is
// inspectable in hex dumps without sacrificing any cryptographic property.
var payloadDomainKey = [32]byte{
	'm', 'i', 'n', 'd', 'k', 'e', 'e', 'p', '.', 's', 'n', 'a', 'p', 's', 'h', 'o',
	't', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0,
}

// HashPayload computes the content address of a snapshot payload: the
// hex-encoded keyed BLAKE3 digest. This is the canonical snapshot ID used in
// manifests, session references, logs and on-disk file names.
func HashPayload(payload []byte) string {
	// NewKeyed only fails for a wrong key length, which the fixed-size
	// array rules out.
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidateID checks that id parses as a 64-character hex digest.
func ValidateID(id string) error {
	decoded, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("parsing snapshot id: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("snapshot id is %d bytes, want 32", len(decoded))
	}
	return nil
}
