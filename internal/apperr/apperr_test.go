package apperr

import (
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSample = Conflict("sample", "sample conflict")

func TestError_IsMatchesWrappedCopy(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", errSample.Wrap(cause))

	require.ErrorIs(t, err, errSample)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestError_IsDistinguishesCodes(t *testing.T) {
	other := Conflict("other", "other conflict")
	assert.False(t, errors.Is(errSample, other))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", errors.New("x"), KindInternal},
		{"validation", Validation("v", "bad"), KindValidation},
		{"not found wrapped", errors.Wrap(NotFound("n", "gone"), "lookup"), KindNotFound},
		{"upstream", Upstream("u", "down"), KindUpstream},
		{"authorization", Authorization("a", "nope"), KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWithMessage(t *testing.T) {
	err := errSample.WithMessage("custom")
	assert.Equal(t, "custom", err.Error())
	assert.ErrorIs(t, err, errSample)
}

func TestIntegrityGapError(t *testing.T) {
	cause := errors.New("db down")
	var err error = &IntegrityGapError{OrderID: 7, Step: "stock_commit", Err: cause}

	var gap *IntegrityGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, int64(7), gap.OrderID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "integrity gap at stock_commit: db down", err.Error())
}
