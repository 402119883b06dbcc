package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSpawnSubstitutesKnownPlaceholders(t *testing.T) {
	out, err := FormatSpawn("{engine_path}/run.sh {task_path} {ncpus}", "/opt/e", "/opt/t", 8)
	require.NoError(t, err)
	assert.Equal(t, "/opt/e/run.sh /opt/t 8", out)
}

func TestFormatSpawnRejectsUnknownPlaceholder(t *testing.T) {
	_, err := FormatSpawn("{engine_path} {bogus}", "/opt/e", "/opt/t", 1)
	assert.Error(t, err)
}

func TestFormatSpawnRejectsUnterminatedPlaceholder(t *testing.T) {
	_, err := FormatSpawn("{engine_path", "/opt/e", "/opt/t", 1)
	assert.Error(t, err)
}
