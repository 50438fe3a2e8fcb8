package droneerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := Malformed("call", "droneA", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindRuntime, err.Kind)
}

func TestNotReachable_CarriesDrones(t *testing.T) {
	t.Parallel()

	err := NotReachable("request", []string{"droneB"})
	assert.Equal(t, KindNotReachable, err.Kind)
	assert.Equal(t, []string{"droneB"}, err.Drones)
	assert.Contains(t, err.Error(), "droneB")
}

func TestStatusFailed_IncludesCode(t *testing.T) {
	t.Parallel()

	err := StatusFailed("call", "droneC", 5, "bad config")
	assert.Contains(t, err.Error(), "5")
	assert.Contains(t, err.Error(), "bad config")
}
