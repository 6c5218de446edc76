package eligibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_Check(t *testing.T) {
	t.Run("allow-listed callers are eligible", func(t *testing.T) {
		g := New(Config{AllowedTokens: []string{"tok-a", "tok-b"}})

		assert.True(t, g.Check("tok-a").Eligible)
		assert.False(t, g.Check("tok-c").Eligible)
	})

	t.Run("allow all overrides the list", func(t *testing.T) {
		g := New(Config{AllowAll: true})

		assert.True(t, g.Check("anyone").Eligible)
		assert.True(t, g.Check("").Eligible)
	})

	t.Run("missing identity is never eligible", func(t *testing.T) {
		g := New(Config{AllowedTokens: []string{"tok-a"}})

		d := g.Check("")
		assert.False(t, d.Eligible)
		assert.NotEmpty(t, d.Reason)
	})

	t.Run("update swaps the allow-list", func(t *testing.T) {
		g := New(Config{AllowedTokens: []string{"old"}})
		g.Update(Config{AllowedTokens: []string{"new"}})

		assert.False(t, g.Check("old").Eligible)
		assert.True(t, g.Check("new").Eligible)
	})
}
