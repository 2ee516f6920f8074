package proxy

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCAOrganization is the organization name of the generated CA.
	DefaultCAOrganization = "netwatch Local CA"
	// DefaultCAValidityDays is the validity of a generated CA certificate.
	DefaultCAValidityDays = 3650
	// DefaultHostCertValidityDays is the validity of per-host leaf certificates.
	DefaultHostCertValidityDays = 365
	// DefaultCertCacheSize is the default number of cached host certificates.
	DefaultCertCacheSize = 1000
)

// ErrCANotLoaded is returned when host certificates are requested before the
// CA was generated or loaded.
var ErrCANotLoaded = errors.New("CA certificate not loaded")

// certCache is a thread-safe LRU of host certificates.
type certCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
}

type certCacheEntry struct {
	host string
	cert *tls.Certificate
}

func newCertCache(maxSize int) *certCache {
	if maxSize <= 0 {
		maxSize = DefaultCertCacheSize
	}
	return &certCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (c *certCache) get(host string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[host]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*certCacheEntry).cert, true
}

func (c *certCache) set(host string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[host]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*certCacheEntry).cert = cert
		return
	}
	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*certCacheEntry).host)
			c.order.Remove(oldest)
		}
	}
	c.items[host] = c.order.PushFront(&certCacheEntry{host: host, cert: cert})
}

func (c *certCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CAManager owns the local CA used to intercept HTTPS and signs per-host
// certificates on demand.
type CAManager struct {
	mu       sync.RWMutex
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
	certPath string
	keyPath  string
	cache    *certCache
}

// CAManagerOption configures a CAManager.
type CAManagerOption func(*CAManager)

// WithCertCacheSize sets the maximum number of cached host certificates.
func WithCertCacheSize(size int) CAManagerOption {
	return func(m *CAManager) {
		m.cache = newCertCache(size)
	}
}

// NewCAManager creates a CA manager storing its files in dir (ca.crt, ca.key).
func NewCAManager(dir string, opts ...CAManagerOption) *CAManager {
	m := &CAManager{
		certPath: filepath.Join(dir, "ca.crt"),
		keyPath:  filepath.Join(dir, "ca.key"),
		cache:    newCertCache(DefaultCertCacheSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CertPath returns the path of the CA certificate file.
func (m *CAManager) CertPath() string { return m.certPath }

// EnsureCA loads the CA from disk, generating it on first use.
func (m *CAManager) EnsureCA() error {
	_, certErr := os.Stat(m.certPath)
	_, keyErr := os.Stat(m.keyPath)
	if certErr == nil && keyErr == nil {
		return m.load()
	}
	return m.generate()
}

func (m *CAManager) generate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{DefaultCAOrganization},
			CommonName:   DefaultCAOrganization,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(0, 0, DefaultCAValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.certPath), 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	if err := os.WriteFile(m.certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil { //nolint:gosec // the CA certificate is public
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := os.WriteFile(m.keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}

	m.caCert, m.caKey = cert, key
	return nil
}

func (m *CAManager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("%s: no PEM certificate", m.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(m.keyPath)
	if err != nil {
		return err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("%s: no PEM key", m.keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	m.caCert, m.caKey = cert, key
	return nil
}

// HostCert returns a leaf certificate for host signed by the CA.
func (m *CAManager) HostCert(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)
	if cert, ok := m.cache.get(host); ok {
		return cert, nil
	}

	m.mu.RLock()
	caCert, caKey := m.caCert, m.caKey
	m.mu.RUnlock()
	if caCert == nil || caKey == nil {
		return nil, ErrCANotLoaded
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(0, 0, DefaultHostCertValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	m.cache.set(host, cert)
	return cert, nil
}

// TLSConfig returns a server config that picks certificates by SNI, falling
// back to fallbackHost for clients that send none.
func (m *CAManager) TLSConfig(fallbackHost string) *tls.Config {
	//nolint:gosec // G402: clients of a debugging proxy come with all TLS versions
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return m.HostCert(host)
		},
	}
}

// CACertPEM returns the CA certificate in PEM format.
func (m *CAManager) CACertPEM() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.caCert == nil {
		return nil, ErrCANotLoaded
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw}), nil
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate.
func (m *CAManager) Fingerprint() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.caCert == nil {
		return "", ErrCANotLoaded
	}
	sum := sha256.Sum256(m.caCert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
