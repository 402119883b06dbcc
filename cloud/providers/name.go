// Package providers holds one concrete cloud.Provider implementation per
// backend: OpenStack, DigitalOcean and Linode.
package providers

import (
	"fmt"

	farm "github.com/dgryski/go-farm"
)

// randomName derives a short, filesystem- and hostname-safe name from a
// caller-supplied seed, giving each newly requested node a unique
// hostname without round-tripping to the provider first. farm.Hash128
// gives us two independent 64-bit halves cheaply from one pass over the
// input.
func randomName(prefix string, seed uint64) string {
	lo, hi := farm.Hash128(seedBytes(seed))
	return fmt.Sprintf("%s-%08x%08x", prefix, lo&0xffffffff, hi&0xffffffff)
}

func seedBytes(seed uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(seed >> (8 * i))
	}
	return b
}
