package rshell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffSessions(t *testing.T) {
	// Pass N sees {A, B}, pass N+1 sees {B, C}: close A, open C.
	current := []string{"A", "B"}
	want := map[string]bool{"B": true, "C": true}

	toClose, toOpen := diffSessions(current, want)

	assert.Equal(t, []string{"A"}, toClose)
	assert.Equal(t, []string{"C"}, toOpen)
}

func TestDiffSessionsNoChange(t *testing.T) {
	current := []string{"A", "B"}
	want := map[string]bool{"A": true, "B": true}

	toClose, toOpen := diffSessions(current, want)

	assert.Empty(t, toClose)
	assert.Empty(t, toOpen)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'hello'`, shellQuote("hello"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
