package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeIsReal(t *testing.T) {
	assert.True(t, Node{IP: "10.0.0.1"}.IsReal())
	assert.False(t, Node{IP: "pending-abcd"}.IsReal())
}

func TestNodeIsCloud(t *testing.T) {
	assert.True(t, Node{IP: "10.0.0.1", Cloud: "openstack"}.IsCloud())
	assert.False(t, Node{IP: "10.0.0.1"}.IsCloud())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "TO_DO", ToDo.String())
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "DONE", Done.String())
	assert.Equal(t, "UNKNOWN", Status(99).String())
}
