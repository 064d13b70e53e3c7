package networking

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Server certificate files under the data dir.
const (
	CertFileName = "server.crt"
	KeyFileName  = "server.key"

	certValidity = 2 * 365 * 24 * time.Hour
)

// EnsureServerCert returns the paths of the server certificate pair,
// generating a self-signed ECDSA P-256 pair on first run. Generation
// happens under a file lock so concurrent processes agree on it.
func EnsureServerCert(dataDir string, hosts []string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(dataDir, CertFileName)
	keyPath = filepath.Join(dataDir, KeyFileName)

	lock := flock.New(certPath + ".lock")
	if err := lock.Lock(); err != nil {
		return "", "", fmt.Errorf("locking cert file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("releasing cert file lock: %v", err)
		}
	}()

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return certPath, keyPath, nil
		}
	}

	if err := generateServerCert(certPath, keyPath, hosts); err != nil {
		return "", "", err
	}
	logger.Infow("generated self-signed server certificate", "path", certPath)
	return certPath, keyPath, nil
}

func generateServerCert(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mcp-ambassador"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("writing cert file: %w", err)
	}
	return nil
}
