package message

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the header fields covered by the DKIM signature.
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", RunHeader}

// Signer adds a DKIM-Signature header to composed messages.
type Signer struct {
	Domain   string
	Selector string
	Key      crypto.Signer
}

// LoadSigner reads a PEM encoded RSA or Ed25519 private key from keyFile.
func LoadSigner(domain, selector, keyFile string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading dkim key: %w", err)
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing dkim key %s: %w", keyFile, err)
	}
	return &Signer{Domain: domain, Selector: selector, Key: key}, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// Sign returns raw with a DKIM-Signature header prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	opts := &dkim.SignOptions{
		Domain:     s.Domain,
		Selector:   s.Selector,
		Signer:     s.Key,
		HeaderKeys: signedHeaders,
	}
	if err := dkim.Sign(&out, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("dkim signing: %w", err)
	}
	return out.Bytes(), nil
}
