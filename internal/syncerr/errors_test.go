package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", Validation("create", base), KindValidation},
		{"wrapped classified", fmt.Errorf("outer: %w", RateLimited("update", time.Second, base)), KindRateLimit},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindNetwork},
		{"net timeout", timeoutErr{timeout: true}, KindTimeout},
		{"net other", timeoutErr{}, KindNetwork},
		{"plain", base, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(KindValidation))
	assert.False(t, Retryable(KindConflict))
	for _, k := range []Kind{KindNetwork, KindTimeout, KindRateLimit, KindBackend, KindUnknown} {
		assert.True(t, Retryable(k), k)
	}
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
}

func TestErrorFormattingAndUnwrap(t *testing.T) {
	base := errors.New("refused")
	err := Network("read", base)
	assert.Equal(t, "[network] read: refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "[backend] query", Backend("query", nil).Error())
}

func TestRetryAfterOf(t *testing.T) {
	assert.Equal(t, 3*time.Second, RetryAfterOf(fmt.Errorf("x: %w", RateLimited("op", 3*time.Second, nil))))
	assert.Zero(t, RetryAfterOf(errors.New("x")))
}
