package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
)

func mustGenerateKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func newTestKnownHostRepo(t *testing.T) repo.KnownHostRepository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := index.New(index.Config{Path: dbPath, Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return repo.NewKnownHostRepository(db)
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	signer, err := ssh.NewSignerFromKey(mustGenerateKey(t))
	require.NoError(t, err)
	return signer
}

func TestHostKeyStoreUnknownThenPinThenMatch(t *testing.T) {
	ctx := context.Background()
	r := newTestKnownHostRepo(t)
	store := NewHostKeyStore(r)

	signer := testSigner(t)
	pub := signer.PublicKey()

	err := store.verify(ctx, "example.com", 22, pub)
	require.Error(t, err)
	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)
	require.Equal(t, "unknown", hkErr.Problem.Reason)

	require.NoError(t, store.Pin(ctx, "example.com", 22, pub))

	require.NoError(t, store.verify(ctx, "example.com", 22, pub))
}

func TestHostKeyStoreDetectsChangedKey(t *testing.T) {
	ctx := context.Background()
	r := newTestKnownHostRepo(t)
	store := NewHostKeyStore(r)

	first := testSigner(t).PublicKey()
	require.NoError(t, store.Pin(ctx, "example.com", 22, first))

	second := testSigner(t).PublicKey()
	err := store.verify(ctx, "example.com", 22, second)
	require.Error(t, err)
	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)
	require.Equal(t, "changed", hkErr.Problem.Reason)
	require.NotEmpty(t, hkErr.Problem.ExpectedFingerprintSHA256)
}
