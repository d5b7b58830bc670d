package jwtkit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultKeysPath is the default directory where External Secrets mounts App Store keys
	DefaultKeysPath = "/vault/appstore"

	privateKeyFile = "AuthKey.p8"
	keyIDFile      = "key_id"
	issuerIDFile   = "issuer_id"
	devKeysDir     = ".runtime/iapkit"
)

// LoadSigner reads credentials from dir (AuthKey.p8, key_id, issuer_id).
// Explicit non-empty values in cfg take precedence over files.
func LoadSigner(dir string, cfg SignerConfig) (*ES256Signer, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultKeysPath
	}
	if len(cfg.PrivateKeyPEM) == 0 {
		b, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		cfg.PrivateKeyPEM = b
	}
	if cfg.KeyID == "" {
		cfg.KeyID = readTrimmed(filepath.Join(dir, keyIDFile))
	}
	if cfg.IssuerID == "" {
		cfg.IssuerID = readTrimmed(filepath.Join(dir, issuerIDFile))
	}
	return NewES256Signer(cfg)
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// NewDevSigner returns a signer backed by a generated P-256 key persisted under
// dir (.runtime/iapkit when empty) so it survives restarts. Development only:
// Apple rejects it.
func NewDevSigner(dir, bundleID string, log logrus.FieldLogger) (*ES256Signer, error) {
	if strings.TrimSpace(dir) == "" {
		dir = devKeysDir
	}
	if b, err := os.ReadFile(filepath.Join(dir, privateKeyFile)); err == nil {
		if key, err := ParseECPrivateKeyPEM(b); err == nil {
			return NewES256SignerFromKey(key, readOr(filepath.Join(dir, keyIDFile), "dev"), "dev-issuer", bundleID), nil
		}
		log.WithField("dir", dir).Warn("unreadable dev key, generating a new one")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	kid := fmt.Sprintf("dev-%d", time.Now().Unix())
	if err := persistDevKey(dir, key, kid); err != nil {
		// in-memory key still works for this process
		log.WithError(err).WithField("dir", dir).Warn("failed to persist dev key")
	}
	return NewES256SignerFromKey(key, kid, "dev-issuer", bundleID), nil
}

func readOr(path, def string) string {
	if v := readTrimmed(path); v != "" {
		return v
	}
	return def
}

func persistDevKey(dir string, key *ecdsa.PrivateKey, kid string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if pemBytes == nil {
		return errors.New("encode pem")
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), pemBytes, 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, keyIDFile), []byte(kid), 0600)
}
