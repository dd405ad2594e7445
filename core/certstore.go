package core

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"flowproxy/logger"
	"flowproxy/models"

	"github.com/elazarl/goproxy"
)

var _ goproxy.CertStorage = (*CertStore)(nil)

type certEntry struct {
	ready chan struct{}
	cert  *tls.Certificate
	err   error
}

// CertStore issues leaf certificates for intercepted hosts and caches them by
// hostname. Concurrent lookups for the same host wait for a single signing.
type CertStore struct {
	mu     sync.Mutex
	certs  map[string]*certEntry
	fixed  *tls.Certificate
	signer func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
	ctx    *goproxy.ProxyCtx
	signed atomic.Int64
}

// NewCertStore returns a store signing leaves with ca. The signer only needs
// a ProxyCtx for its logger; caching happens in Fetch.
func NewCertStore(ca *tls.Certificate) *CertStore {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = log.New(io.Discard, "", 0)
	return &CertStore{
		certs:  make(map[string]*certEntry),
		signer: goproxy.TLSConfigFromCA(ca),
		ctx:    &goproxy.ProxyCtx{Proxy: proxy},
	}
}

// NewFixedCertStore returns a store that answers every hostname with cert.
func NewFixedCertStore(cert *tls.Certificate) *CertStore {
	return &CertStore{certs: make(map[string]*certEntry), fixed: cert}
}

// LoadFixedCert reads a PEM file holding both the certificate chain and its
// private key.
func LoadFixedCert(path string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(path, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", path, err)
	}
	return &cert, nil
}

// Fetch implements goproxy.CertStorage.
func (s *CertStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	hostname = normalizeHost(hostname)

	s.mu.Lock()
	if e, ok := s.certs[hostname]; ok {
		s.mu.Unlock()
		<-e.ready
		return e.cert, e.err
	}
	e := &certEntry{ready: make(chan struct{})}
	s.certs[hostname] = e
	s.mu.Unlock()

	e.cert, e.err = gen()
	if e.err != nil {
		// Failed signings are not cached.
		s.mu.Lock()
		delete(s.certs, hostname)
		s.mu.Unlock()
	}
	close(e.ready)
	return e.cert, e.err
}

// GetCert returns the leaf for hostname, signing it on first use.
func (s *CertStore) GetCert(hostname string) (*tls.Certificate, error) {
	if s.fixed != nil {
		return s.fixed, nil
	}
	hostname = normalizeHost(hostname)
	if hostname == "" {
		return nil, fmt.Errorf("no hostname to issue a certificate for")
	}
	return s.Fetch(hostname, func() (*tls.Certificate, error) {
		cfg, err := s.signer(hostname, s.ctx)
		if err != nil {
			logger.ProxyError("Signing certificate for %s failed: %v", hostname, err)
			return nil, fmt.Errorf("signing certificate for %s: %w", hostname, err)
		}
		if len(cfg.Certificates) == 0 {
			return nil, fmt.Errorf("signing certificate for %s: no certificate issued", hostname)
		}
		s.signed.Add(1)
		logger.ProxyDebug("Issued leaf certificate for %s", hostname)
		cert := cfg.Certificates[0]
		return &cert, nil
	})
}

// Signed is the number of leaves signed so far.
func (s *CertStore) Signed() int64 {
	return s.signed.Load()
}

// Len is the number of cached hostnames.
func (s *CertStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certs)
}

// ServerConfig is the client-facing TLS configuration. The leaf is chosen by
// SNI, falling back to fallbackHost (the CONNECT target). A client
// certificate is requested but not verified.
func (s *CertStore) ServerConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS10,
		ClientAuth: tls.RequestClientCert,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return s.GetCert(host)
		},
	}
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

// certInfo summarises cert for flow records.
func certInfo(cert *x509.Certificate) *models.CertInfo {
	if cert == nil {
		return nil
	}
	info := &models.CertInfo{
		Subject:  cert.Subject.String(),
		Issuer:   cert.Issuer.String(),
		Serial:   cert.SerialNumber.String(),
		NotAfter: cert.NotAfter,
	}
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyInfo = fmt.Sprintf("RSA %d", k.N.BitLen())
	case *ecdsa.PublicKey:
		info.KeyInfo = fmt.Sprintf("ECDSA %d", k.Curve.Params().BitSize)
	case ed25519.PublicKey:
		info.KeyInfo = "Ed25519"
	default:
		info.KeyInfo = cert.PublicKeyAlgorithm.String()
	}
	return info
}
