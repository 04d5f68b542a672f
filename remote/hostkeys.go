package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const hostKeyName = "ssh_host_ed25519_key"

// EnsureHostKey returns the path to the shell service's ed25519 host key,
// generating the pair on first use. An existing key is never replaced; host
// key continuity is what lets operators trust a reinstalled node.
func EnsureHostKey(dir string) (string, error) {
	path := filepath.Join(dir, hostKeyName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", fmt.Errorf("encoding host key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// EnsureAuthorizedKeys writes the configured public keys to path, one per
// line. No keys configured leaves an existing file alone.
func EnsureAuthorizedKeys(path string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(keys, "\n")+"\n"), 0o600)
}
