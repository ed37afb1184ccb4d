package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes test vectors, spaces are ignored.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Replace(s, " ", "", -1))
	if err != nil {
		panic(err)
	}
	return b
}
