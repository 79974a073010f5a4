package helpers

import (
	"math/rand"
	"os"
	"strconv"
	"time"
)

// RandUnix is seeded from clock, RADIOGATE_TEST_SEED env overrides to reproduce shuffled test order.
func RandUnix() *rand.Rand {
	seed := time.Now().UnixNano()
	if s := os.Getenv("RADIOGATE_TEST_SEED"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			seed = n
		}
	}
	return rand.New(rand.NewSource(seed))
}
