package transport

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	netmail "net/mail"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

var dkimHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// DKIMConfig is the dkim section of an smtp backend.
type DKIMConfig struct {
	Domain         string `yaml:"domain"`
	Selector       string `yaml:"selector"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PrivateKey     string `yaml:"private_key"`
}

// Signer adds a DKIM-Signature header to outgoing messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// NewSigner returns nil when c holds no DKIM settings at all.
func NewSigner(c DKIMConfig) (*Signer, error) {
	selector := strings.TrimSpace(c.Selector)
	keyPath := strings.TrimSpace(c.PrivateKeyFile)
	if selector == "" && keyPath == "" && c.PrivateKey == "" && c.Domain == "" {
		return nil, nil
	}

	if selector == "" {
		return nil, fmt.Errorf("dkim: a selector is required")
	}

	var pemData []byte
	switch {
	case c.PrivateKey != "":
		pemData = []byte(c.PrivateKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide private_key_file or private_key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:     strings.ToLower(strings.TrimSpace(c.Domain)),
		selector:   selector,
		key:        key,
		headerKeys: dkimHeaderKeys,
	}, nil
}

// Sign signs message for the domain of from, unless a domain is configured.
// Messages that already carry a signature are returned untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil || hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = addressDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain from %q", from)
	}

	var signed bytes.Buffer
	err := dkim.Sign(&signed, bytes.NewReader(message), &dkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}

	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}

	return nil, fmt.Errorf("no private key found in PEM data")
}

// addressDomain returns the lower cased domain of an RFC 5322 address.
func addressDomain(address string) string {
	a, err := netmail.ParseAddress(address)
	if err != nil {
		return ""
	}
	if i := strings.LastIndex(a.Address, "@"); i >= 0 {
		return strings.ToLower(a.Address[i+1:])
	}
	return ""
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(message)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) || bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}
