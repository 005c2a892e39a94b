package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Triple(t *testing.T) {
	e := New(NoResource, 1, 2, 3, errors.New("slot pool exhausted"))
	major, minor, errno := e.Triple()
	assert.Equal(t, 1, major)
	assert.Equal(t, 2, minor)
	assert.Equal(t, 3, errno)
	assert.Equal(t, "no_resource: slot pool exhausted", e.Error())
}

func TestError_IsByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(Again, 0, 0, 0, nil))
	assert.True(t, errors.Is(err, New(Again, 0, 0, 0, nil)))
	assert.False(t, errors.Is(err, New(Setup, 0, 0, 0, nil)))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(New(FilterConfig, 0, 0, 0, nil))
	require.True(t, ok)
	assert.Equal(t, FilterConfig, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestLastError(t *testing.T) {
	SetLastError(nil)
	assert.Nil(t, LastError())
	sentinel := errors.New("boom")
	SetLastError(sentinel)
	assert.Equal(t, sentinel, LastError())
}
