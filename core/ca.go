package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"flowproxy/logger"

	"github.com/elazarl/goproxy"
)

const caCommonName = "flowproxy MITM CA"

// GenerateAndSaveCA creates a new root CA and writes it as PEM to certPath and
// keyPath. The key file is created with mode 0600.
func GenerateAndSaveCA(certPath, keyPath string) error {
	caCert, caKey, err := generateCA(caCommonName)
	if err != nil {
		logger.Error("Failed to generate CA: %v", err)
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}); err != nil {
		return fmt.Errorf("failed to write CA certificate to %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", keyPath, err)
	}
	defer keyOut.Close()

	privBytes, err := x509.MarshalPKCS8PrivateKey(caKey)
	if err != nil {
		logger.Warn("Could not marshal CA key to PKCS8: %v. Falling back to PKCS1.", err)
		if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)}); err != nil {
			return fmt.Errorf("failed to write CA RSA private key to %s: %w", keyPath, err)
		}
		return nil
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("failed to write CA private key to %s: %w", keyPath, err)
	}
	logger.Info("CA certificate saved to %s, key saved to %s", certPath, keyPath)
	return nil
}

// LoadCA reads a PEM certificate and private key pair into a tls.Certificate
// usable as a signing root. Leaf is populated.
func LoadCA(certPath, keyPath string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file %s: %w", certPath, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM block from %s", certPath)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", certPath, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file %s: %w", keyPath, err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM block from %s", keyPath)
	}

	var parsed interface{}
	switch keyBlock.Type {
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(keyBlock.Bytes)
	default:
		return nil, fmt.Errorf("unknown CA key PEM block type '%s' from %s", keyBlock.Type, keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key from %s (type %s): %w", keyPath, keyBlock.Type, err)
	}

	logger.ProxyInfo("CA certificate %q loaded from %s", caCert.Subject.CommonName, certPath)
	return &tls.Certificate{
		Certificate: [][]byte{caCert.Raw},
		PrivateKey:  parsed,
		Leaf:        caCert,
	}, nil
}

// LoadOrDefaultCA loads the configured CA. With both paths empty it falls back
// to goproxy's bundled root, which is only suitable for tests and local use.
func LoadOrDefaultCA(certPath, keyPath string) (*tls.Certificate, error) {
	if certPath == "" && keyPath == "" {
		logger.ProxyWarn("No CA configured, using the built-in goproxy CA")
		ca := goproxy.GoproxyCa
		return &ca, nil
	}
	return LoadCA(certPath, keyPath)
}

func generateCA(commonName string) (*x509.Certificate, *rsa.PrivateKey, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"flowproxy"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return cert, privKey, nil
}
