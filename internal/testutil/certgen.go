package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// GenerateSelfSignedCertKeyPEM generates a self-signed ECDSA certificate
// valid for localhost, 127.0.0.1 and hostname, returning cert and key as PEM.
func GenerateSelfSignedCertKeyPEM(hostname string) (certPEM []byte, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"h1core test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(template.IPAddresses[0]) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != "" && hostname != "localhost" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	return certPEM, keyPEM, nil
}

// GenerateSelfSignedCertKeyFiles writes a fresh certificate and key into
// t.TempDir() and returns their paths.
func GenerateSelfSignedCertKeyFiles(t *testing.T, host string) (certFile string, keyFile string) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM(host)
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", certFile, err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", keyFile, err)
	}
	return certFile, keyFile
}

// TLSConfigs returns a matching server and client configuration pair. The
// client trusts only the generated certificate and offers the given ALPN protocols.
func TLSConfigs(t *testing.T, alpn ...string) (server *tls.Config, client *tls.Config) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM("localhost")
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("failed to load generated key pair: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatalf("failed to add generated certificate to pool")
	}
	if len(alpn) == 0 {
		alpn = []string{"http/1.1"}
	}
	server = &tls.Config{Certificates: []tls.Certificate{pair}, NextProtos: alpn, MinVersion: tls.VersionTLS12}
	client = &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: alpn, MinVersion: tls.VersionTLS12}
	return server, client
}
