package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// GenerateTLS creates a self-signed CA certificate for host in a temporary
// directory. It returns the server configuration and a pool trusting it.
func GenerateTLS(t testing.TB, host string) (*tls.Config, *x509.CertPool) {
	t.Helper()

	// testcert concatenates the prefix and host without a separator.
	prefix := t.TempDir() + string(filepath.Separator)
	if err := testcert.GenerateCert(host, "", time.Hour, true, 2048, "", prefix); err != nil {
		t.Fatalf("generating certificate: %v", err)
	}

	certPath := prefix + host + ".cert.pem"
	keyPath := prefix + host + ".key.pem"

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("loading certificate: %v", err)
	}

	pem, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading certificate: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		t.Fatal("certificate pool rejected generated certificate")
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, pool
}
