package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategoryMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Conflictf("version mismatch"), "conflict"},
		{Validationf("kiosk_id", "empty"), "validation"},
		{&ThrottledError{Dimension: "ip", RetryAfter: time.Second}, "throttled"},
		{Transient("select lockers", errors.New("disk I/O error")), "transient"},
		{ErrNotFound, "not_found"},
		{ErrFatal, "fatal"},
		{errors.New("plain"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Category(tc.err))
	}
}

func TestCategorySurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("assign locker 5: %w", Conflictf("stale version"))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "conflict", Category(err))
}

func TestThrottledErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &ThrottledError{Dimension: "qr_device", RetryAfter: 20 * time.Second, Blocked: true}
	assert.True(t, errors.Is(err, ErrThrottled))
	assert.Contains(t, err.Error(), "blocked")
}

func TestTransientNilPassthrough(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Transient("noop", nil))
}
