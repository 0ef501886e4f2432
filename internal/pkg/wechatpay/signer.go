package wechatpay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// authScheme is the V3 Authorization scheme name
const authScheme = "WECHATPAY2-SHA256-RSA2048"

// Signer produces WeChat Pay V3 request signatures with the merchant's RSA key.
// The key is loaded once at construction and is read-only afterwards, so a
// single Signer is safe for concurrent use.
type Signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
}

// NewSigner loads the merchant private key from a PEM file.
// A missing or unparsable key is a hard error: requests must never go out unsigned.
func NewSigner(mchID, serialNo, keyPath string) (*Signer, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPrivateKey, keyPath, err)
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewSignerFromKey(mchID, serialNo, key), nil
}

// NewSignerFromKey builds a signer from an already-parsed key. Used by tests.
func NewSignerFromKey(mchID, serialNo string, key *rsa.PrivateKey) *Signer {
	return &Signer{mchID: mchID, serialNo: serialNo, key: key}
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrPrivateKey)
	}
	// Merchant keys ship as PKCS#8; older exports use PKCS#1
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not RSA", ErrPrivateKey)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrPrivateKey, err)
	}
	return key, nil
}

// Sign signs the V3 base string for the given request parts and returns the
// base64-encoded signature. The base string is
// method\nurlPath\ntimestamp\nnonce\nbody\n (trailing newline included);
// urlPath must include the query string for GET requests.
func (s *Signer) Sign(method, urlPath, timestamp, nonce, body string) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrPrivateKey
	}
	base := method + "\n" + urlPath + "\n" + timestamp + "\n" + nonce + "\n" + body + "\n"
	digest := sha256.Sum256([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("wechatpay: sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// AuthorizationHeader assembles the full Authorization header value for a
// request, generating a fresh nonce and timestamp.
func (s *Signer) AuthorizationHeader(method, urlPath, body string) (string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := newNonce()

	signature, err := s.Sign(method, urlPath, timestamp, nonce, body)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		authScheme, s.mchID, nonce, signature, timestamp, s.serialNo), nil
}

// newNonce returns a fresh 32-char random string (UUID hex without hyphens)
func newNonce() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}
