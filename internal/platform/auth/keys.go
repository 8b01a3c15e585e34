package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Identity is a signing key together with its certificate chain, leaf
// first.
type Identity struct {
	PrivateKey crypto.Signer
	Chain      []*x509.Certificate
}

// LoadIdentityPEM reads a PEM certificate chain and a PEM private key
// (PKCS#1, PKCS#8 or SEC 1).
func LoadIdentityPEM(certFile, keyFile string) (*Identity, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	chain, err := ParseCertificatesPEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	id := &Identity{PrivateKey: key, Chain: chain}
	if err := id.check(); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadIdentityPKCS12 reads a PKCS#12 bundle holding the key, the leaf
// certificate and optional CA certificates.
func LoadIdentityPKCS12(file, password string) (*Identity, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12 bundle: %w", err)
	}
	key, leaf, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12 bundle: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("pkcs12 key of type %T cannot sign", key)
	}
	id := &Identity{PrivateKey: signer, Chain: append([]*x509.Certificate{leaf}, cas...)}
	if err := id.check(); err != nil {
		return nil, err
	}
	return id, nil
}

// ParseCertificatesPEM decodes every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return chain, nil
}

// ParsePrivateKeyPEM decodes the first private key block in data.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return nil, errors.New("ed25519 keys are not supported")
		}
		return nil, fmt.Errorf("unsupported pkcs8 key type %T", key)
	}
	return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
}

func (id *Identity) check() error {
	if len(id.Chain) == 0 {
		return errors.New("identity has no certificate")
	}
	leafKey, ok := id.Chain[0].PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !leafKey.Equal(id.PrivateKey.Public()) {
		return errors.New("certificate does not match private key")
	}
	return nil
}

// GenerateIdentity creates an RSA-2048 key and a self-signed certificate
// naming subjectURI as a URI SAN, valid for the given period.
func GenerateIdentity(commonName, subjectURI string, validFor time.Duration) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if subjectURI != "" {
		u, err := url.Parse(subjectURI)
		if err != nil {
			return nil, fmt.Errorf("parse subject uri: %w", err)
		}
		tmpl.URIs = []*url.URL{u}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	return &Identity{PrivateKey: key, Chain: []*x509.Certificate{cert}}, nil
}

// WritePEM writes the chain to certFile and the key, as PKCS#8, to keyFile.
func (id *Identity) WritePEM(certFile, keyFile string) error {
	var certPEM []byte
	for _, c := range id.Chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// WritePKCS12 writes the identity as a password-protected PKCS#12 bundle.
func (id *Identity) WritePKCS12(file, password string) error {
	data, err := pkcs12.Encode(rand.Reader, id.PrivateKey, id.Chain[0], id.Chain[1:], password)
	if err != nil {
		return fmt.Errorf("encode pkcs12 bundle: %w", err)
	}
	if err := os.WriteFile(file, data, 0o600); err != nil {
		return fmt.Errorf("write pkcs12 bundle: %w", err)
	}
	return nil
}
