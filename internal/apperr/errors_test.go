package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "not_found", Code(fmt.Errorf("channel 7: %w", ErrNotFound)))
	assert.Equal(t, "forbidden", Code(ErrForbidden))
	assert.Equal(t, "conflict", Code(fmt.Errorf("wrap: %w", fmt.Errorf("inner: %w", ErrConflict))))
	assert.Equal(t, "unauthorized", Code(ErrUnauthorized))
	assert.Equal(t, "invalid", Code(ErrInvalidInput))
	assert.Equal(t, "internal", Code(errors.New("boom")))
}
