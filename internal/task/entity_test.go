package task

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTitle(t *testing.T) {
	assert.Equal(t, "Fix the login bug", DefaultTitle("\n\n  Fix the login bug  \nDetails follow"))
	assert.Equal(t, "Untitled task", DefaultTitle("  \n "))

	long := DefaultTitle(strings.Repeat("ü", 100))
	assert.Equal(t, maxTitleLength, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, Status("done").Valid())
	assert.True(t, StatusQueued.Valid())
}
