package at

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHex renders b as upper case hex pairs, the form the modem expects
// inside quoted payload fields.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// DecodeHex decodes a payload field. Odd length or non hex digits are
// rejected rather than decoded on a best effort basis.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}
