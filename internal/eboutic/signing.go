package eboutic

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
)

// Signer computes and checks the two signatures of the payment flow: the
// HMAC over the canonical basket payload, and the gateway's RSA signature
// over its status fields.
type Signer struct {
	secret     []byte
	gatewayKey *rsa.PublicKey
}

// NewSigner parses the hex HMAC secret and the PEM gateway public key. An
// empty gatewayPEM leaves gateway verification disabled only for tests;
// VerifyGateway then fails closed.
func NewSigner(secretHex string, gatewayPEM []byte) (*Signer, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("eboutic: decode hmac secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("eboutic: empty hmac secret")
	}
	s := &Signer{secret: secret}
	if len(gatewayPEM) > 0 {
		block, _ := pem.Decode(gatewayPEM)
		if block == nil {
			return nil, fmt.Errorf("eboutic: gateway key is not PEM")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("eboutic: parse gateway key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("eboutic: gateway key is not RSA")
		}
		s.gatewayKey = rsaPub
	}
	return s, nil
}

// Canonical serializes an invoice into the deterministic payload handed to
// the gateway: fixed field order, dot decimal separators, no whitespace.
// Layout: invoiceID:userID:total[:productID.quantity.unitPrice]...
func Canonical(inv *Invoice) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(inv.ID, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(inv.UserID, 10))
	b.WriteByte(':')
	b.WriteString(inv.Total().String())
	for _, it := range inv.Items {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(it.ProductID, 10))
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(it.Quantity))
		b.WriteByte('.')
		b.WriteString(it.UnitPrice.String())
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the payload signature in constant time.
func (s *Signer) Verify(payload, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// VerifyGateway checks the gateway's RSA-SHA1 signature over its status
// fields. Any parsing or verification problem rejects the callback.
func (s *Signer) VerifyGateway(data []byte, signatureB64 string) error {
	if s.gatewayKey == nil {
		return ErrBadSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrBadSignature
	}
	sum := sha1.Sum(data)
	if err := rsa.VerifyPKCS1v15(s.gatewayKey, crypto.SHA1, sum[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// parsePayload extracts the invoice id leading the canonical payload.
func parsePayload(payload string) (int64, error) {
	head, _, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, ErrBadPayload
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id < 1 {
		return 0, ErrBadPayload
	}
	return id, nil
}
