package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// EnsureHostKey ensures the SSH host key exists at path and returns the signer.
func EnsureHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ssh host key path is required")
	}
	if _, err := os.Stat(path); err == nil {
		return loadHostKey(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "cursorwin")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := pem.Encode(file, block); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close host key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return signer, nil
}

// AuthorizedKeys is a parsed authorized_keys file.
type AuthorizedKeys struct {
	keys [][]byte
}

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Comment and
// blank lines are skipped; a malformed entry fails the load.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("authorized keys path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses authorized_keys content.
func ParseAuthorizedKeys(data []byte) (*AuthorizedKeys, error) {
	out := &AuthorizedKeys{}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys line %d: %w", i+1, err)
		}
		out.keys = append(out.keys, pub.Marshal())
	}
	return out, nil
}

// Len returns the number of keys.
func (a *AuthorizedKeys) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Allows reports whether key is listed.
func (a *AuthorizedKeys) Allows(key ssh.PublicKey) bool {
	if a == nil || key == nil {
		return false
	}
	wire := key.Marshal()
	for _, candidate := range a.keys {
		if bytes.Equal(candidate, wire) {
			return true
		}
	}
	return false
}
