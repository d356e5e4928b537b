// Package sync implements the Remote Sync Engine (spec.md §4.6): SSH
// connection pooling, host key pinning, tunneled viewer sessions (both the
// native and OpenSSH-process transports), rate-limited remote directory
// browsing, the manifest-diff incremental sync client, and its
// directory-mirror fallback.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index/repo"
)

// HostKeyProblem is the JSON payload returned to the caller on a 409
// HOST_KEY_CONFIRMATION_REQUIRED response, matching spec.md §6 verbatim.
type HostKeyProblem struct {
	Host                      string `json:"host"`
	Port                      int    `json:"port"`
	KnownHostsHost            string `json:"known_hosts_host"`
	KeyType                   string `json:"key_type"`
	FingerprintSHA256         string `json:"fingerprint_sha256"`
	PublicKey                 string `json:"public_key"`
	Reason                    string `json:"reason"` // "unknown" | "changed"
	ExpectedFingerprintSHA256 string `json:"expected_fingerprint_sha256,omitempty"`
	ExpectedPublicKey         string `json:"expected_public_key,omitempty"`
}

// HostKeyError wraps a HostKeyProblem so callers can errors.As into it.
type HostKeyError struct {
	Problem HostKeyProblem
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key %s for %s:%d", e.Problem.Reason, e.Problem.Host, e.Problem.Port)
}

// HostKeyStore mediates between golang.org/x/crypto/ssh's HostKeyCallback and
// the index's known_host_entries table — the persisted pin set a user has
// explicitly accepted.
type HostKeyStore struct {
	repo repo.KnownHostRepository
}

// NewHostKeyStore wraps a KnownHostRepository.
func NewHostKeyStore(r repo.KnownHostRepository) *HostKeyStore {
	return &HostKeyStore{repo: r}
}

// Callback returns an ssh.HostKeyCallback for host:port. It returns nil (trust)
// only when the presented key's fingerprint matches a previously pinned
// entry; otherwise it returns a *HostKeyError describing whether the host is
// entirely new or its key has changed, for the caller to surface as a 409.
func (s *HostKeyStore) Callback(ctx context.Context, host string, port int) ssh.HostKeyCallback {
	return func(addr string, remote net.Addr, key ssh.PublicKey) error {
		return s.verify(ctx, host, port, key)
	}
}

func (s *HostKeyStore) verify(ctx context.Context, host string, port int, key ssh.PublicKey) error {
	fp := Fingerprint(key)
	existing, err := s.repo.Get(ctx, host, port)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &HostKeyError{Problem: HostKeyProblem{
				Host: host, Port: port, KnownHostsHost: knownHostsHost(host, port),
				KeyType: key.Type(), FingerprintSHA256: fp,
				PublicKey: base64.StdEncoding.EncodeToString(key.Marshal()),
				Reason:    "unknown",
			}}
		}
		return fmt.Errorf("sync: host key lookup: %w", err)
	}

	if existing.Fingerprint != fp {
		return &HostKeyError{Problem: HostKeyProblem{
			Host: host, Port: port, KnownHostsHost: knownHostsHost(host, port),
			KeyType: key.Type(), FingerprintSHA256: fp,
			PublicKey:                 base64.StdEncoding.EncodeToString(key.Marshal()),
			Reason:                    "changed",
			ExpectedFingerprintSHA256: existing.Fingerprint,
			ExpectedPublicKey:         existing.KeyBase64,
		}}
	}
	return nil
}

// Pin records key as trusted for host:port, overwriting any prior pin. Called
// after the caller re-issues /api/remote/connect with confirm_host_key=true.
func (s *HostKeyStore) Pin(ctx context.Context, host string, port int, key ssh.PublicKey) error {
	entry := &index.KnownHostEntry{
		Host: host, Port: port,
		KeyType:     key.Type(),
		KeyBase64:   base64.StdEncoding.EncodeToString(key.Marshal()),
		Fingerprint: Fingerprint(key),
		PinnedAt:    time.Now(),
	}
	return s.repo.Upsert(ctx, entry)
}

func (s *HostKeyStore) List(ctx context.Context) ([]index.KnownHostEntry, error) {
	return s.repo.List(ctx)
}

func (s *HostKeyStore) Forget(ctx context.Context, host string, port int) error {
	return s.repo.Delete(ctx, host, port)
}

// Fingerprint renders key's SHA256 fingerprint in OpenSSH's
// "SHA256:<base64, no padding>" form.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

func knownHostsHost(host string, port int) string {
	if port == 22 || port == 0 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}
