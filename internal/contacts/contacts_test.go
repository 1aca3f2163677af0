package contacts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveUnknownReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Resolve(context.Background(), "discord", "u1")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestEnsurePlaceholderIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, err := s.EnsurePlaceholder(ctx, "api", "anon-1")
	require.NoError(t, err)
	require.Equal(t, "anon-1", first.DisplayName())

	second, err := s.EnsurePlaceholder(ctx, "api", "anon-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestLinkAttachesAdditionalIdentity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.EnsurePlaceholder(ctx, "api", "anon-1")
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, c.ID, "discord", "d-42"))
	resolved, err := s.Resolve(ctx, "discord", "d-42")
	require.NoError(t, err)
	require.Equal(t, c.ID, resolved.ID)
}
