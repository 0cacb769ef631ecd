package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Monotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestClientOrderID(t *testing.T) {
	id := ClientOrderID("tradebridge-consensus")
	require.True(t, strings.HasPrefix(id, "tradebridge-"))
	require.LessOrEqual(t, len(id), 40)

	require.Len(t, ClientOrderID(""), 26)
}

