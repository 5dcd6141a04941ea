// Package certs implements the private root certificate authority and the
// per-domain leaf certificate cache that lets the TLS interception listener
// complete handshakes for blocked domains.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caKeyBits  = 4096
	caValidity = 10 * 365 * 24 * time.Hour
)

// ErrCAMissing is returned when certificate operations are attempted before
// the root authority has been generated or loaded.
var ErrCAMissing = errors.New("root certificate authority not initialized")

// Authority is the long-lived self-signed root that signs per-domain leaf
// certificates. Installing its certificate into the OS/browser trust store
// is an external step.
type Authority struct {
	CertPath string
	KeyPath  string

	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewAuthority builds an Authority with the given storage paths. Call
// Ensure before use.
func NewAuthority(certPath, keyPath string) *Authority {
	return &Authority{CertPath: certPath, KeyPath: keyPath}
}

// Ensure loads the root key pair from disk, generating a fresh one when
// either half is missing.
func (a *Authority) Ensure() error {
	err := a.load()
	if err == nil {
		return nil
	}
	if !os.IsNotExist(errors.Unwrap(err)) && !os.IsNotExist(err) {
		slog.Warn("Existing CA unreadable, regenerating", "error", err)
	}
	return a.Generate()
}

// Generate produces a new root key pair and persists it: the private key
// with owner-only permissions, the certificate world-readable. Rotation is
// manual; an existing pair is overwritten only by calling this directly.
func (a *Authority) Generate() error {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "NetFence Root CA",
			Organization: []string{"NetFence"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.CertPath), 0755); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := writeFileAtomic(a.KeyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}
	if err := writeFileAtomic(a.CertPath, certPEM, 0644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing generated CA certificate: %w", err)
	}
	a.cert = cert
	a.key = key

	slog.Info("Generated root CA", "cert", a.CertPath, "valid_until", cert.NotAfter.Format("2006-01-02"))
	return nil
}

func (a *Authority) load() error {
	certPEM, err := os.ReadFile(a.CertPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(a.KeyPath)
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("no PEM block in %s", a.CertPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in %s", a.KeyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA key: %w", err)
	}

	a.cert = cert
	a.key = key
	slog.Debug("Loaded root CA", "subject", cert.Subject.CommonName, "valid_until", cert.NotAfter.Format("2006-01-02"))
	return nil
}

// Certificate returns the parsed root certificate, or nil before Ensure.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// Pool returns a cert pool containing only this authority, for verifying
// issued leaves.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	if a.cert != nil {
		pool.AddCert(a.cert)
	}
	return pool
}

// sign issues a certificate from the template using the root key.
func (a *Authority) sign(template *x509.Certificate, pub *rsa.PublicKey) ([]byte, error) {
	if a.cert == nil || a.key == nil {
		return nil, ErrCAMissing
	}
	return x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

// writeFileAtomic writes via temp-file-then-rename so a crash can't leave a
// truncated key or certificate behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
