package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeOuterContent packs (keyID, messageNumber, ciphertext) into the
// single compact string carried as a one-to-many outer event's content
// field. ciphertext is already the base64 NIP-44 payload produced by
// kdf.Seal, so the codec only needs to bind it to its key id and
// message number without re-encoding it.
func EncodeOuterContent(keyID, messageNumber uint32, ciphertext string) string {
	return fmt.Sprintf("%d:%d:%s", keyID, messageNumber, ciphertext)
}

// ParseOuterContent is the inverse of EncodeOuterContent.
func ParseOuterContent(content string) (keyID, messageNumber uint32, ciphertext string, err error) {
	parts := strings.SplitN(content, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("wire: malformed outer content")
	}
	k, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("wire: malformed key id: %w", err)
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("wire: malformed message number: %w", err)
	}
	return uint32(k), uint32(n), parts[2], nil
}
