package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// GensigSize is the length of a generation signature in bytes.
const GensigSize = 32

// BytesToHex converts bytes to hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeGensig parses a 64 character hex generation signature. A 0x prefix
// is accepted and does not count towards the length.
func DecodeGensig(s string) ([GensigSize]byte, error) {
	var gensig [GensigSize]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != GensigSize*2 {
		return gensig, fmt.Errorf("generation signature must be %d hex chars, got %d", GensigSize*2, len(s))
	}
	if _, err := hex.Decode(gensig[:], []byte(s)); err != nil {
		return gensig, fmt.Errorf("invalid generation signature: %w", err)
	}
	return gensig, nil
}

// TruncateHex shortens a hex string for log output.
func TruncateHex(s string) string {
	if len(s) <= 20 {
		return s
	}
	return s[:10] + "..." + s[len(s)-8:]
}
