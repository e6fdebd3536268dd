package support

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
	"strconv"
	"strings"
)

func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvBool accepts the forms strconv.ParseBool does; anything else yields fallback.
func GetEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// HashString maps input onto the consistent-hash ring using the first eight
// bytes of its SHA-1 digest.
func HashString(input string) uint64 {
	sum := sha1.Sum([]byte(input))
	return binary.BigEndian.Uint64(sum[:8])
}
