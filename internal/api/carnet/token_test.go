package carnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenValidity(t *testing.T) {
	t.Parallel()

	tok := Token{AccessToken: "abc"}
	tok.SetValidity(3600)
	assert.True(t, tok.IsValid())
	assert.False(t, tok.IsExpired())

	tok.Invalidate()
	assert.False(t, tok.IsValid())
	assert.True(t, tok.IsExpired())

	// 幂等
	tok.Invalidate()
	assert.False(t, tok.IsValid())
}

func TestTokenEmptyIsInvalid(t *testing.T) {
	t.Parallel()

	var tok Token
	tok.SetValidity(3600)
	assert.False(t, tok.IsValid())
	assert.True(t, tok.IsExpired())
}

func TestTokenExpiryMargin(t *testing.T) {
	t.Parallel()

	// 声明 100s，按 80% 存 80s
	tok := Token{AccessToken: "abc"}
	tok.SetValidity(100)
	assert.Equal(t, int64(80), tok.ValiditySec)

	tok.IssuedAt = time.Now().Add(-79 * time.Second)
	assert.False(t, tok.IsExpired())

	tok.IssuedAt = time.Now().Add(-81 * time.Second)
	assert.True(t, tok.IsExpired())
}

func TestTokenZeroLifetimeInvalidates(t *testing.T) {
	t.Parallel()

	tok := Token{AccessToken: "abc"}
	tok.SetValidity(0)
	assert.False(t, tok.IsValid())
}
