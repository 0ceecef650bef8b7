package store

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeCursor serialises a partition position to an opaque token.
func EncodeCursor(p Partition, key string) string {
	if key == "" {
		return ""
	}
	raw := fmt.Sprintf("%s|%s", p, key)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token decodes to an empty key.
func DecodeCursor(p Partition, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid cursor format")
	}
	if Partition(parts[0]) != p {
		return "", fmt.Errorf("cursor belongs to partition %q", parts[0])
	}
	return parts[1], nil
}
