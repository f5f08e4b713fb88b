package utils

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrCause(t *testing.T) {
	root := errors.New("disk full")

	require.Equal(t, root, ErrCause(fmt.Errorf("commit: %w", fmt.Errorf("write: %w", root))))
	require.Equal(t, root, ErrCause(fmt.Errorf("%w: %w", root, errors.New("other"))))
	require.Equal(t, root, ErrCause(root))
}

func TestNewMessageID(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()

	require.True(t, strings.HasPrefix(a, "msg-"))
	require.NotEqual(t, a, b)
}
