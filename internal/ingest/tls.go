package ingest

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Identity locates the server certificate. Either CertFile+KeyFile (PEM) or
// PKCS12File is set; Passphrase decrypts an encrypted PEM key or the PKCS#12
// bundle.
type Identity struct {
	CertFile   string
	KeyFile    string
	PKCS12File string
	Passphrase string
}

// ServerTLSConfig loads the identity into a server-side TLS config.
func ServerTLSConfig(id Identity) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case strings.TrimSpace(id.PKCS12File) != "":
		cert, err = loadPKCS12(id.PKCS12File, id.Passphrase)
	case strings.TrimSpace(id.CertFile) != "" && strings.TrimSpace(id.KeyFile) != "":
		cert, err = loadPEM(id.CertFile, id.KeyFile, id.Passphrase)
	default:
		return nil, errors.New("no TLS identity configured")
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadPEM(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key: %w", err)
	}
	keyPEM, err = decryptKeyPEM(keyPEM, passphrase)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return cert, nil
}

// decryptKeyPEM unwraps a legacy (RFC 1423) encrypted private key block.
// Unencrypted input is returned unchanged.
func decryptKeyPEM(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("key file: no PEM block")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	if passphrase == "" {
		return nil, errors.New("key file is encrypted but no passphrase is set")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

func loadPKCS12(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read pkcs12: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12: %w", err)
	}
	var certPEM, keyPEM bytes.Buffer
	for _, b := range blocks {
		// friendlyName and localKeyId headers are irrelevant here
		out := &pem.Block{Type: b.Type, Bytes: b.Bytes}
		if b.Type == "CERTIFICATE" {
			_ = pem.Encode(&certPEM, out)
		} else {
			_ = pem.Encode(&keyPEM, out)
		}
	}
	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pkcs12 key pair: %w", err)
	}
	return cert, nil
}
