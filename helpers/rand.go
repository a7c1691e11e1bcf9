package helpers

import (
	"math/rand"
	"time"
)

// RandUnix returns private generator seeded with current time.
// Not safe for concurrent use.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
