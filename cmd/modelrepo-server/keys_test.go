package main

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcules/modelctl/internal/auth"
	"github.com/mcules/modelctl/internal/store"
)

func runServerCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

var createdKey = regexp.MustCompile(`id:\s+(\S+)\nkey: (mc-[0-9a-f]+)`)

func TestKeysCreateListDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "keys.db")

	out, err := runServerCmd(t, "keys", "create", "ci", "--db-path", db)
	require.NoError(t, err)
	m := createdKey.FindStringSubmatch(out)
	require.Len(t, m, 3, out)
	id, key := m[1], m[2]

	s, err := store.Open(db)
	require.NoError(t, err)
	rec, ok, err := auth.NewAuthenticator(s, nil).Verify(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
	require.NoError(t, s.Close())

	out, err = runServerCmd(t, "keys", "list", "--db-path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "ci")
	assert.NotContains(t, out, key)

	_, err = runServerCmd(t, "keys", "delete", id, "--db-path", db)
	require.NoError(t, err)

	out, err = runServerCmd(t, "keys", "list", "--db-path", db)
	require.NoError(t, err)
	assert.NotContains(t, out, id)
}

func TestKeysDBPathFromEnvironment(t *testing.T) {
	db := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("MODELREPO_DB_PATH", db)

	_, err := runServerCmd(t, "keys", "create", "ops")
	require.NoError(t, err)

	s, err := store.Open(db)
	require.NoError(t, err)
	defer s.Close()
	keys, err := s.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ops", keys[0].Name)
}

func TestKeysCreateRequiresName(t *testing.T) {
	_, err := runServerCmd(t, "keys", "create", "--db-path", filepath.Join(t.TempDir(), "k.db"))
	assert.Error(t, err)
}
