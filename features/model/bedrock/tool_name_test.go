package bedrock_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/features/model/bedrock"
)

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "", bedrock.SanitizeToolName(""))
	assert.Equal(t, "memory_recall", bedrock.SanitizeToolName("memory.recall"))
	assert.Equal(t, "already-safe_1", bedrock.SanitizeToolName("already-safe_1"))
	assert.Equal(t, "a_b_c", bedrock.SanitizeToolName("a b/c"))
}

func TestSanitizeToolNameTruncatesLongNames(t *testing.T) {
	long := "memory." + strings.Repeat("segment.", 12) + "recall"
	require.Greater(t, len(long), 64)

	got := bedrock.SanitizeToolName(long)
	assert.Len(t, got, 64)
	assert.NotContains(t, got, ".")

	// The mapping is deterministic and keeps distinct names distinct even
	// when their truncated prefixes agree.
	assert.Equal(t, got, bedrock.SanitizeToolName(long))
	other := long + "2"
	assert.NotEqual(t, got, bedrock.SanitizeToolName(other))
}
