// Package tlstest writes throwaway self-signed certificates for tests.
package tlstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
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

// KeyEncoding selects the PEM encoding of the generated private key.
type KeyEncoding int

const (
	PKCS1 KeyEncoding = iota // RSA, "RSA PRIVATE KEY"
	PKCS8                    // ECDSA P-256, "PRIVATE KEY"
	SEC1                     // ECDSA P-256, "EC PRIVATE KEY"
)

// Files holds the paths of a generated certificate and key.
type Files struct {
	CertPath string
	KeyPath  string
	Cert     *x509.Certificate
}

// WriteSelfSigned generates a certificate valid for 127.0.0.1 and localhost
// and writes it, plus its key in the requested encoding, to t.TempDir().
func WriteSelfSigned(t testing.TB, enc KeyEncoding) Files {
	t.Helper()
	dir := t.TempDir()

	key, keyBlock := generateKey(t, enc)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "rws-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.(crypto.Signer).Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	files := Files{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
		Cert:     cert,
	}
	WritePEM(t, files.CertPath, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	WritePEM(t, files.KeyPath, keyBlock)
	return files
}

// WritePEM writes the given blocks to path, in order.
func WritePEM(t testing.TB, path string, blocks ...*pem.Block) {
	t.Helper()
	var out []byte
	for _, b := range blocks {
		out = append(out, pem.EncodeToMemory(b)...)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func generateKey(t testing.TB, enc KeyEncoding) (crypto.PrivateKey, *pem.Block) {
	t.Helper()
	switch enc {
	case PKCS1:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate rsa key: %v", err)
		}
		return key, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	case SEC1:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate ecdsa key: %v", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("marshal sec1 key: %v", err)
		}
		return key, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate ecdsa key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal pkcs8 key: %v", err)
		}
		return key, &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}
}
