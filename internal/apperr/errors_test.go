package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not found", fmt.Errorf("lookup: %w", ErrNotFound), KindNotFound},
		{"wrapped not found", NotFound(base), KindNotFound},
		{"parse", ErrParse, KindParse},
		{"collision", ErrCollision, KindCollision},
		{"transient", Transient(base), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"config", ErrConfiguration, KindConfiguration},
		{"invalid", ErrInvalidArgument, KindInvalid},
		{"other", base, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestTransientKeepsCause(t *testing.T) {
	base := errors.New("slow down")
	err := Transient(base)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "transient failure: slow down", err.Error())
	assert.Nil(t, Transient(nil))
	assert.False(t, IsTransient(base))
}
