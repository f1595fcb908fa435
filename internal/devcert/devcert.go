// Package devcert issues a throwaway CA plus server and client certificates
// so a local store and lobby can talk mutual TLS without external tooling.
// Existing files are kept.
package devcert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

func writeFile(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, mode)
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func serial() *big.Int {
	n, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return n
}

// write signs tmpl with the parent (self-signed when parent is nil) and
// stores the pair as <name>.crt and <name>.key under dir.
func write(dir, name string, tmpl, parent *x509.Certificate, parentKey *rsa.PrivateKey) (crtPath, keyPath string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return "", "", err
	}
	crtPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	if err := writeFile(crtPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return "", "", err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := writeFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", err
	}
	return crtPath, keyPath, nil
}

func loadCA(caCrtPath, caKeyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	crtPEM, err := os.ReadFile(caCrtPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, nil, err
	}
	crtBlock, _ := pem.Decode(crtPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	if crtBlock == nil || keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid CA pem files")
	}
	crt, err := x509.ParseCertificate(crtBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return crt, key, nil
}

// EnsureCA creates dir/ca.crt and dir/ca.key unless both exist.
func EnsureCA(dir string) (caCrt, caKey string, err error) {
	caCrt, caKey = filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	if exists(caCrt, caKey) {
		return caCrt, caKey, nil
	}
	return write(dir, "ca", &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: "arcade-dev-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}, nil, nil)
}

// EnsureServerCert issues dir/<name>.crt for hosts, which may mix DNS
// names and IPs.
func EnsureServerCert(dir, name, caCrtPath, caKeyPath string, hosts []string) (crtPath, keyPath string, err error) {
	crtPath, keyPath = filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
	if exists(crtPath, keyPath) {
		return crtPath, keyPath, nil
	}
	ca, caKey, err := loadCA(caCrtPath, caKeyPath)
	if err != nil {
		return "", "", err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return write(dir, name, tmpl, ca, caKey)
}

// EnsureClientCert issues dir/<name>.crt for client authentication with
// name as the common name.
func EnsureClientCert(dir, name, caCrtPath, caKeyPath string) (crtPath, keyPath string, err error) {
	crtPath, keyPath = filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
	if exists(crtPath, keyPath) {
		return crtPath, keyPath, nil
	}
	ca, caKey, err := loadCA(caCrtPath, caKeyPath)
	if err != nil {
		return "", "", err
	}
	return write(dir, name, &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, ca, caKey)
}
