package tracker

import (
	"crypto/rand"
	"encoding/hex"
)

// NewWorkerID returns a random id identifying one worker process.
func NewWorkerID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
