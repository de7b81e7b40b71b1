package credentials

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s := Open(path, logger.Nop())
	require.True(t, s.Persistent())
	require.True(t, s.Tokens().Empty())

	want := transport.Tokens{AccessToken: "a1", RefreshToken: "r1"}
	require.NoError(t, s.SetTokens(want))
	require.NoError(t, s.SetTokens(transport.Tokens{AccessToken: "a2", RefreshToken: "r1"}))
	require.NoError(t, s.Close())

	reopened := Open(path, logger.Nop())
	defer reopened.Close()
	require.Equal(t, transport.Tokens{AccessToken: "a2", RefreshToken: "r1"}, reopened.Tokens())
}

func TestStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s := Open(path, logger.Nop())
	require.NoError(t, s.SetTokens(transport.Tokens{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, s.Clear())
	require.True(t, s.Tokens().Empty())
	require.NoError(t, s.Close())

	reopened := Open(path, logger.Nop())
	defer reopened.Close()
	require.True(t, reopened.Tokens().Empty())
}

func TestStore_FallsBackToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "creds.db")

	s := Open(path, logger.Nop())
	defer s.Close()
	require.False(t, s.Persistent())

	require.NoError(t, s.SetTokens(transport.Tokens{AccessToken: "a"}))
	require.Equal(t, "a", s.Tokens().AccessToken)
}
