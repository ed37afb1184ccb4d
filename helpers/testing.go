package helpers

import (
	"math/rand"
	"time"
)

type Fataler interface {
	Fatal(...interface{})
}

// RandUnix is non-crypto source seeded from clock, for ids and test data.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
