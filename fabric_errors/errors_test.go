//go:build !fabricdebug

package fabric_errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViolationIsRefusal(t *testing.T) {
	err := Violation("canvas %s is %s", "main", "stopped")
	assert.True(t, errors.Is(err, ErrStateViolation))
	assert.Contains(t, err.Error(), "canvas main is stopped")
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "no error", CodeNone.String())
	assert.Equal(t, "invalid window pixel viewport", CodeWindowPVPInvalid.String())
	assert.Equal(t, "custom error 3", (CodeCustom + 3).String())
	assert.Equal(t, "error 999", Code(999).String())
}
