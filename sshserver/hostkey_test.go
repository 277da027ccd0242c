package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func TestEnsureHostKeyCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")
	first, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("create host key: %v", err)
	}
	second, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("load host key: %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("expected the same host key on reload")
	}
	if _, err := EnsureHostKey(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestParseAuthorizedKeys(t *testing.T) {
	allowed := newTestSigner(t)
	other := newTestSigner(t)
	var content bytes.Buffer
	content.WriteString("# operators\n\n")
	content.Write(ssh.MarshalAuthorizedKey(allowed.PublicKey()))
	content.WriteString("   \n")

	keys, err := ParseAuthorizedKeys(content.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if keys.Len() != 1 {
		t.Fatalf("expected one key, got %d", keys.Len())
	}
	if !keys.Allows(allowed.PublicKey()) {
		t.Fatalf("expected listed key allowed")
	}
	if keys.Allows(other.PublicKey()) {
		t.Fatalf("expected unlisted key rejected")
	}
	if _, err := ParseAuthorizedKeys([]byte("ssh-ed25519 not-base64\n")); err == nil {
		t.Fatalf("expected malformed key error")
	}
	var none *AuthorizedKeys
	if none.Allows(allowed.PublicKey()) || none.Len() != 0 {
		t.Fatalf("expected nil set to allow nothing")
	}
}
