package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepositoryFilterAndPackages(t *testing.T) {
	repo := Repository{
		"a": {Name: "a", Platforms: map[string]bool{"debian-10": true}, Packages: map[string][]string{"debian-10": {"gfortran"}}},
		"b": {Name: "b", Platforms: map[string]bool{"centos-7": true}, Packages: map[string][]string{"centos-7": {"gcc"}}},
		"c": {Name: "c", Platforms: map[string]bool{"debian-10": true}, Packages: map[string][]string{"debian-10": {"gfortran", "openmpi-bin"}}},
	}

	filtered := repo.FilterPlatforms([]string{"debian-10"})
	assert.Len(t, filtered, 2)
	_, ok := filtered["b"]
	assert.False(t, ok)

	pkgs := repo.PlatformPackages("debian-10")
	assert.ElementsMatch(t, []string{"gfortran", "openmpi-bin"}, pkgs)

	e, ok := repo.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a", e.Name)

	_, ok = repo.Get("missing")
	assert.False(t, ok)
}
