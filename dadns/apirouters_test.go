/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestCert(t *testing.T, dir, name, cn string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}

	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("writing cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return certFile, keyFile
}

func TestServerTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "server", "dadns.test")
	bundleFile, _ := writeTestCert(t, dir, "ca", "dadns-ca.test")

	t.Run("cert and key only", func(t *testing.T) {
		tlsconf, err := serverTLSConfig(AppConf{SslCert: certFile, SslKey: keyFile})
		if err != nil {
			t.Fatalf("serverTLSConfig() failed: %v", err)
		}
		if n := len(tlsconf.Certificates[0].Certificate); n != 1 {
			t.Errorf("chain length = %d, want 1", n)
		}
	})

	t.Run("bundle appended to chain", func(t *testing.T) {
		tlsconf, err := serverTLSConfig(AppConf{
			SslCert: certFile, SslKey: keyFile, SslBundle: bundleFile,
		})
		if err != nil {
			t.Fatalf("serverTLSConfig() failed: %v", err)
		}
		if n := len(tlsconf.Certificates[0].Certificate); n != 2 {
			t.Errorf("chain length = %d, want 2", n)
		}
	})

	t.Run("missing bundle file", func(t *testing.T) {
		_, err := serverTLSConfig(AppConf{
			SslCert: certFile, SslKey: keyFile,
			SslBundle: filepath.Join(dir, "nope.pem"),
		})
		if err == nil {
			t.Error("missing bundle file not reported")
		}
	})
}
