// Package appstore handles App Store server notifications: JWS signature
// verification against Apple's certificate chain, credit grants for
// consumable purchases, refund clawbacks and consumption responses.
package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/awa/go-iap/appstore"
	jose "gopkg.in/square/go-jose.v2"
)

// appleRootCert is the Apple Root CA - G3, the trust anchor for the x5c
// chain Apple attaches to every signed notification.
const appleRootCert = `
-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----
`

var (
	// ErrInvalidRootCert is returned when the configured root certificate
	// cannot be parsed.
	ErrInvalidRootCert = errors.New("appstore: failed to parse root certificate")
	// ErrInvalidPayload is returned for payloads that are not a JWS.
	ErrInvalidPayload = errors.New("appstore: invalid signed payload")
	// ErrInvalidHeader is returned when the JWS header lacks the expected
	// certificate chain.
	ErrInvalidHeader = errors.New("appstore: invalid jws header")
	// ErrInvalidCertCount is returned when the x5c chain does not carry
	// exactly leaf, intermediate and root certificates.
	ErrInvalidCertCount = errors.New("appstore: invalid number of certificates")
	// ErrInvalidPubKeyType is returned when the leaf certificate does not
	// carry an ECDSA key.
	ErrInvalidPubKeyType = errors.New("appstore: invalid public key type")
)

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// Transaction is the decoded signedTransactionInfo of a notification. Only
// the fields the credit pipeline consumes are mapped.
type Transaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	Quantity              int64  `json:"quantity"`
	PurchaseDate          int64  `json:"purchaseDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int32 `json:"revocationReason"`
	AppAccountToken       string `json:"appAccountToken"`
	Environment           string `json:"environment"`
}

// Verifier checks App Store notification signatures. Apple signs each
// payload with a per-notification leaf key and ships the certificate chain
// in the JWS x5c header; the chain must anchor at the Apple root.
type Verifier struct {
	roots *x509.CertPool
}

// NewVerifier builds a verifier trusting the given root certificate PEM,
// falling back to the baked-in Apple Root CA - G3 when empty.
func NewVerifier(rootPEM string) (*Verifier, error) {
	if rootPEM == "" {
		rootPEM = appleRootCert
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM([]byte(rootPEM)); !ok {
		return nil, ErrInvalidRootCert
	}
	return &Verifier{roots: pool}, nil
}

// VerifyNotification validates the signed payload's certificate chain and
// signature, returning the decoded notification and the leaf public key
// for verifying the nested transaction JWS.
func (v *Verifier) VerifyNotification(signedPayload string) (*appstore.SubscriptionNotificationV2DecodedPayload, *ecdsa.PublicKey, error) {
	certs, err := extractCerts(signedPayload)
	if err != nil {
		return nil, nil, err
	}

	if err := v.verifyChain(certs[2], certs[1]); err != nil {
		return nil, nil, err
	}

	pubKey, err := extractPubKey(certs[0])
	if err != nil {
		return nil, nil, err
	}

	raw, err := jose.ParseSigned(signedPayload)
	if err != nil {
		return nil, nil, err
	}
	payload, err := raw.Verify(pubKey)
	if err != nil {
		return nil, nil, err
	}

	ntf := &appstore.SubscriptionNotificationV2DecodedPayload{}
	if err := json.Unmarshal(payload, ntf); err != nil {
		return nil, nil, err
	}
	return ntf, pubKey, nil
}

// DecodeTransaction verifies and decodes a nested signedTransactionInfo
// JWS using the public key established for the enclosing notification.
func DecodeTransaction(pubKey *ecdsa.PublicKey, signed appstore.JWSTransaction) (*Transaction, error) {
	raw, err := jose.ParseSigned(string(signed))
	if err != nil {
		return nil, err
	}
	data, err := raw.Verify(pubKey)
	if err != nil {
		return nil, err
	}

	txn := &Transaction{}
	if err := json.Unmarshal(data, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// verifyChain checks that the root certificate from the payload chains to
// the trusted pool through the intermediate.
func (v *Verifier) verifyChain(rcert, icert *x509.Certificate) error {
	interm := x509.NewCertPool()
	interm.AddCert(icert)

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: interm,
	}
	_, err := rcert.Verify(opts)
	return err
}

// extractCerts pulls the x5c chain out of the JWS header. Index 0 is the
// leaf (signing key), 1 the intermediate, 2 the root.
func extractCerts(token string) ([]*x509.Certificate, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidPayload
	}

	hdrRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	hdr := &jwsHeader{}
	if err := json.Unmarshal(hdrRaw, hdr); err != nil {
		return nil, err
	}
	if len(hdr.X5c) != 3 {
		return nil, ErrInvalidCertCount
	}

	out := make([]*x509.Certificate, 3)
	for i := range hdr.X5c {
		der, err := base64.StdEncoding.DecodeString(hdr.X5c[i])
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		out[i] = cert
	}
	return out, nil
}

func extractPubKey(cert *x509.Certificate) (*ecdsa.PublicKey, error) {
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPubKeyType
	}
	return key, nil
}
