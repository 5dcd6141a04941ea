package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"netfence/internal/config"
)

const leafKeyBits = 2048

// Cache issues and caches per-domain leaf certificates signed by the root
// authority. Lookups go memory, then disk, then generation. A per-domain
// mutex ensures concurrent handshakes for the same domain generate exactly
// one certificate.
type Cache struct {
	ca          *Authority
	dir         string
	validity    time.Duration
	renewMargin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	memMu sync.RWMutex
	mem   map[string]*tls.Certificate
}

// NewCache builds a leaf cache over the given authority using the configured
// validity and renewal margin.
func NewCache(ca *Authority, cfg config.CertConfig) *Cache {
	return &Cache{
		ca:          ca,
		dir:         cfg.DomainCertDir,
		validity:    time.Duration(cfg.LeafValidDays) * 24 * time.Hour,
		renewMargin: time.Duration(cfg.RenewMarginDays) * 24 * time.Hour,
		locks:       make(map[string]*sync.Mutex),
		mem:         make(map[string]*tls.Certificate),
	}
}

// Get returns a certificate valid for the domain, generating and persisting
// one when no usable cached copy exists.
func (c *Cache) Get(domain string) (*tls.Certificate, error) {
	domain = sanitizeDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("empty domain name")
	}

	lock := c.domainLock(domain)
	lock.Lock()
	defer lock.Unlock()

	if cert := c.fromMemory(domain); cert != nil {
		return cert, nil
	}

	if cert, err := c.fromDisk(domain); err == nil {
		c.remember(domain, cert)
		return cert, nil
	} else if !os.IsNotExist(err) {
		slog.Warn("Cached certificate unusable, regenerating", "domain", domain, "error", err)
	}

	cert, err := c.generate(domain)
	if err != nil {
		return nil, err
	}
	c.remember(domain, cert)
	return cert, nil
}

// GetCertificateFunc adapts the cache to tls.Config.GetCertificate. A hello
// without SNI falls back to "localhost" so the handshake still completes.
func (c *Cache) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := hello.ServerName
		if name == "" {
			name = "localhost"
		}
		cert, err := c.Get(name)
		if err != nil {
			slog.Error("Certificate lookup failed", "domain", name, "error", err)
			return nil, err
		}
		return cert, nil
	}
}

// Sweep removes on-disk certificate pairs older than maxAge and drops them
// from memory. Returns the number of pairs removed.
func (c *Cache) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Certificate sweep could not read directory", "dir", c.dir, "error", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".crt") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		domain := strings.TrimSuffix(entry.Name(), ".crt")
		lock := c.domainLock(domain)
		lock.Lock()
		os.Remove(filepath.Join(c.dir, domain+".crt"))
		os.Remove(filepath.Join(c.dir, domain+".key"))
		c.forget(domain)
		lock.Unlock()
		removed++
	}
	if removed > 0 {
		slog.Info("Swept stale domain certificates", "removed", removed)
	}
	return removed
}

func (c *Cache) domainLock(domain string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[domain]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[domain] = lock
	}
	return lock
}

func (c *Cache) fromMemory(domain string) *tls.Certificate {
	c.memMu.RLock()
	defer c.memMu.RUnlock()
	cert, ok := c.mem[domain]
	if !ok || !c.usable(cert.Leaf) {
		return nil
	}
	return cert
}

func (c *Cache) remember(domain string, cert *tls.Certificate) {
	c.memMu.Lock()
	c.mem[domain] = cert
	c.memMu.Unlock()
}

// forget drops a domain from the memory cache and from the lock map, so the
// maps don't grow monotonically across sweeps.
func (c *Cache) forget(domain string) {
	c.memMu.Lock()
	delete(c.mem, domain)
	c.memMu.Unlock()
	c.mu.Lock()
	delete(c.locks, domain)
	c.mu.Unlock()
}

// usable reports whether a leaf is still comfortably inside its lifetime.
func (c *Cache) usable(leaf *x509.Certificate) bool {
	if leaf == nil {
		return false
	}
	return time.Now().Before(leaf.NotAfter.Add(-c.renewMargin))
}

func (c *Cache) fromDisk(domain string) (*tls.Certificate, error) {
	certPath, keyPath := c.paths(domain)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing cached pair for %s: %w", domain, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing cached leaf for %s: %w", domain, err)
	}
	if !c.usable(leaf) {
		return nil, fmt.Errorf("cached certificate for %s expires %s, within renewal margin", domain, leaf.NotAfter.Format("2006-01-02"))
	}
	pair.Leaf = leaf
	return &pair, nil
}

// generate issues a fresh leaf for the domain and persists it.
func (c *Cache) generate(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", domain, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(c.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     leafNames(domain),
	}

	der, err := c.ca.sign(&template, &key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signing certificate for %s: %w", domain, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate for %s: %w", domain, err)
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating domain cert dir: %w", err)
	}

	certPath, keyPath := c.paths(domain)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := writeFileAtomic(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing key for %s: %w", domain, err)
	}
	if err := writeFileAtomic(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing certificate for %s: %w", domain, err)
	}

	slog.Info("Issued domain certificate", "domain", domain, "valid_until", leaf.NotAfter.Format("2006-01-02"))
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (c *Cache) paths(domain string) (certPath, keyPath string) {
	return filepath.Join(c.dir, domain+".crt"), filepath.Join(c.dir, domain+".key")
}

// leafNames lists the SANs for a domain: itself plus the www variant when
// the domain isn't already one.
func leafNames(domain string) []string {
	names := []string{domain}
	if !strings.HasPrefix(domain, "www.") && strings.Contains(domain, ".") {
		names = append(names, "www."+domain)
	}
	return names
}

// sanitizeDomain normalizes a requested name into a safe filename component.
func sanitizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	var b strings.Builder
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
