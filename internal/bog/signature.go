package bog

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// SignatureHeader carries the base64 SHA256withRSA signature of the raw
// callback body.
const SignatureHeader = "Callback-Signature"

var (
	ErrMissingSignature = errors.New("callback signature missing")
	ErrInvalidSignature = errors.New("callback signature invalid")
)

// ParsePublicKey accepts a PEM encoded (PKIX or PKCS#1) RSA public key or a
// JWK.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty public key")
	}

	if strings.HasPrefix(raw, "{") {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON([]byte(raw)); err != nil {
			return nil, fmt.Errorf("parse jwk: %w", err)
		}
		key, ok := jwk.Key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwk is %T, want RSA public key", jwk.Key)
		}
		return key, nil
	}

	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("public key is neither PEM nor JWK")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", pub)
	}
	return key, nil
}

type Verifier struct {
	key *rsa.PublicKey
}

func NewVerifier(raw string) (*Verifier, error) {
	key, err := ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key}, nil
}

func (v *Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
