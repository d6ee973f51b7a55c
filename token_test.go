package quotaledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewCallToken()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(tok, "qlt_"))
		// 32 random bytes, unpadded base64url
		assert.Len(t, tok, len("qlt_")+43)
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}
