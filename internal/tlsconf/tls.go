// Package tlsconf loads PEM certificate and key material into a server-side
// TLS configuration that is shared by every accepted connection.
package tlsconf

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Kind identifies which stage of TLS setup failed.
type Kind uint8

const (
	KindCert Kind = iota + 1
	KindKey
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindCert:
		return "certificate"
	case KindKey:
		return "private key"
	case KindConfig:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is returned by Load. Use errors.As to inspect the Kind.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCert:
		return fmt.Sprintf("tls: failed to load certificate %s: %v", e.Path, e.Err)
	case KindKey:
		return fmt.Sprintf("tls: failed to load private key %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("tls: configuration error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrNoCertificate is wrapped when the certificate file holds no
	// CERTIFICATE block.
	ErrNoCertificate = errors.New("no certificate found in file")

	// ErrNoPrivateKey is wrapped when no PEM block in the key file parses as
	// a private key.
	ErrNoPrivateKey = errors.New("no private key found in file")

	// ErrKeyMismatch is wrapped when the private key does not belong to the
	// leaf certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

// Load reads a PEM certificate chain and a PEM private key and returns a
// server-only TLS configuration. Client certificates are not requested.
func Load(certPath, keyPath string) (*tls.Config, error) {
	chain, leaf, err := loadCertificates(certPath)
	if err != nil {
		return nil, err
	}
	key, err := loadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	pub, ok := key.(interface{ Public() crypto.PublicKey })
	if !ok {
		return nil, &Error{Kind: KindConfig, Err: fmt.Errorf("unsupported private key type %T", key)}
	}
	eq, ok := pub.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !eq.Equal(leaf.PublicKey) {
		return nil, &Error{Kind: KindConfig, Err: ErrKeyMismatch}
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.NoClientCert,
		Certificates: []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}, nil
}

// loadCertificates returns every CERTIFICATE block in file order together
// with the parsed leaf (the first block).
func loadCertificates(path string) ([][]byte, *x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &Error{Kind: KindCert, Path: path, Err: err}
	}

	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, nil, &Error{Kind: KindCert, Path: path, Err: ErrNoCertificate}
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, nil, &Error{Kind: KindCert, Path: path, Err: err}
	}
	return chain, leaf, nil
}

// loadPrivateKey returns the first PEM block that parses as a PKCS#1,
// PKCS#8 or SEC1 private key. Other blocks are skipped.
func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindKey, Path: path, Err: err}
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if key, ok := parseKeyBlock(block); ok {
			return key, nil
		}
	}
	return nil, &Error{Kind: KindKey, Path: path, Err: ErrNoPrivateKey}
}

func parseKeyBlock(block *pem.Block) (crypto.PrivateKey, bool) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return key, true
		}
	case "PRIVATE KEY":
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			return key, true
		}
	case "EC PRIVATE KEY":
		if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return key, true
		}
	}
	return nil, false
}
