package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomNameIsStableAndDistinct(t *testing.T) {
	a := randomName("ys", 1)
	b := randomName("ys", 1)
	c := randomName("ys", 2)

	assert.Equal(t, a, b, "same seed must produce the same name")
	assert.NotEqual(t, a, c, "different seeds must produce different names")
	assert.Regexp(t, `^ys-[0-9a-f]{16}$`, a)
}

func TestFirstAddressPicksIPv4(t *testing.T) {
	addresses := map[string]interface{}{
		"private": []interface{}{
			map[string]interface{}{"version": float64(6), "addr": "fe80::1"},
			map[string]interface{}{"version": float64(4), "addr": "10.0.0.5"},
		},
	}
	assert.Equal(t, "10.0.0.5", firstAddress(addresses))
	assert.Equal(t, "", firstAddress(map[string]interface{}{}))
}
