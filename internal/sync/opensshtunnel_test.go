package sync

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestIsHostKeyFailure(t *testing.T) {
	require.True(t, isHostKeyFailure("Warning: Permanently added stuff\nHost key verification failed."))
	require.True(t, isHostKeyFailure("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@\nIT IS POSSIBLE THAT SOMEONE IS DOING SOMETHING NASTY!\nREMOTE HOST IDENTIFICATION HAS CHANGED!"))
	require.False(t, isHostKeyFailure("ssh: connect to host example.com port 22: Connection refused"))
	require.False(t, isHostKeyFailure(""))
}

func TestSSHAuthorizedKeyBase64(t *testing.T) {
	signer := testSigner(t)
	got := sshAuthorizedKeyBase64(signer.PublicKey())
	require.NotEmpty(t, got)

	// round-trips through ssh.ParseAuthorizedKey when reassembled with its type field.
	line := signer.PublicKey().Type() + " " + got
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey().Marshal(), parsed.Marshal())
}

func TestRenderKnownHostsFile(t *testing.T) {
	ctx := context.Background()
	r := newTestKnownHostRepo(t)
	store := NewHostKeyStore(r)

	key := testSigner(t).PublicKey()
	require.NoError(t, store.Pin(ctx, "example.com", 2222, key))

	path, cleanup, err := renderKnownHostsFile(ctx, store)
	require.NoError(t, err)
	defer cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[example.com]:2222")
	require.Contains(t, string(data), key.Type())

	cleanup()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRenderKnownHostsFileEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := NewHostKeyStore(newTestKnownHostRepo(t))

	path, cleanup, err := renderKnownHostsFile(ctx, store)
	require.NoError(t, err)
	defer cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, string(data))
}
