package broadcast

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 4096
	keyLength     = 24
)

// deriveStreamKey deterministically derives a channel's stream key from the
// shared secret and the channel's rotation counter. Bumping the counter
// yields a fresh key and implicitly invalidates every earlier one.
func deriveStreamKey(secret, providerChannelID string, rotation uint64) string {
	salt := fmt.Sprintf("%s:%d", providerChannelID, rotation)
	derived := pbkdf2.Key([]byte(secret), []byte(salt), keyIterations, keyLength, sha256.New)
	return hex.EncodeToString(derived)
}

func randomStreamKey() (string, error) {
	bytes := make([]byte, keyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
