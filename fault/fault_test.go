package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := Validationf("action.UpdateParam", "unknown parameter %q", "foo")
	wrapped := fmt.Errorf("controller: %w", err)
	assert.Equal(t, Validation, KindOf(wrapped))
	assert.True(t, Is(wrapped, Validation))
	assert.False(t, Is(wrapped, CacheMiss))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, Validation))
}

func TestErrorMessage(t *testing.T) {
	err := CacheMissf("rearrange.Resolve", "no table")
	assert.Equal(t, "rearrange.Resolve: cache miss: no table", err.Error())
}

func TestWarningsIgnoresNil(t *testing.T) {
	var w Warnings
	w.Add(nil)
	w.Add(Clampedf("", "x"))
	assert.Len(t, w, 1)
	assert.Equal(t, []string{"clamped: x"}, w.Strings())
}
