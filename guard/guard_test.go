package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_GuardDefaults(t *testing.T) {
	g := New(nil)

	assert.True(t, g.IsAllowed("ch.at"))
	assert.True(t, g.IsAllowed("CH.AT."))
	assert.True(t, g.IsAllowed("8.8.8.8"))
	assert.True(t, g.IsAllowed("ch.at:53"))
	assert.False(t, g.IsAllowed("evil.example.org"))
	assert.False(t, g.IsAllowed(""))
}

func Test_GuardExtraEntries(t *testing.T) {
	g := New([]string{"resolver.internal", "10.0.0.0/8", "bad-cidr/99"})

	assert.True(t, g.IsAllowed("resolver.internal"))
	assert.True(t, g.IsAllowed("10.1.2.3"))
	assert.True(t, g.IsAllowed("10.1.2.3:53"))
	assert.False(t, g.IsAllowed("11.1.2.3"))
	// defaults still present
	assert.True(t, g.IsAllowed("ch.at"))
}

func Test_GuardReplace(t *testing.T) {
	g := Replace([]string{"only.example.com"})

	assert.True(t, g.IsAllowed("only.example.com"))
	assert.False(t, g.IsAllowed("ch.at"))
}
