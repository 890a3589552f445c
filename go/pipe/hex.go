package pipe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a byte string carried as 0x-prefixed hex in JSON.
type HexBytes []byte

// MarshalJSON encodes as a 0x-prefixed hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hex.EncodeToString(h) + `"`), nil
}

// UnmarshalJSON decodes an optionally 0x-prefixed hex string.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = nil
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("hex bytes must be a JSON string")
	}
	var s = strings.TrimPrefix(string(data[1:len(data)-1]), "0x")
	var raw, err = hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding hex bytes: %w", err)
	}
	*h = raw
	return nil
}

// String returns the 0x-prefixed hex form.
func (h HexBytes) String() string { return "0x" + hex.EncodeToString(h) }
