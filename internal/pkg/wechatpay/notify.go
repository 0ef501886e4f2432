package wechatpay

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// maxTimestampSkew bounds how stale a callback timestamp may be before the
// delivery is rejected as a possible replay.
const maxTimestampSkew = 5 * time.Minute

// Notification is the outer callback envelope. The interesting payload is
// encrypted inside Resource.
type Notification struct {
	ID           string   `json:"id"`
	CreateTime   string   `json:"create_time"`
	EventType    string   `json:"event_type"`
	ResourceType string   `json:"resource_type"`
	Summary      string   `json:"summary"`
	Resource     Resource `json:"resource"`
}

// Resource holds the AES-256-GCM encrypted callback payload
type Resource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type"`
}

// TransactionResource is the decrypted payment result
type TransactionResource struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	SuccessTime   string `json:"success_time"`
	Attach        string `json:"attach"`
	Amount        struct {
		Total      int `json:"total"`
		PayerTotal int `json:"payer_total"`
	} `json:"amount"`
}

// CertSource resolves a platform public key by certificate serial
type CertSource interface {
	PublicKey(ctx context.Context, serialNo string) (*rsa.PublicKey, error)
}

// NotificationVerifier authenticates inbound callbacks against the WeChat Pay
// platform certificate announced in the Wechatpay-Serial header.
type NotificationVerifier struct {
	certs CertSource
	now   func() time.Time
}

// NewNotificationVerifier creates a verifier backed by a certificate source
func NewNotificationVerifier(certs CertSource) *NotificationVerifier {
	return &NotificationVerifier{certs: certs, now: time.Now}
}

// Verify checks the callback timestamp freshness and its RSA-SHA256 signature.
// Any failure is fatal for this delivery: the caller must respond non-success
// so the provider retries, and must not touch the ledger.
func (v *NotificationVerifier) Verify(ctx context.Context, timestamp, nonce string, body []byte, signature, serialNo string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, timestamp)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew > maxTimestampSkew || skew < -maxTimestampSkew {
		return fmt.Errorf("%w: timestamp outside acceptance window", ErrSignatureInvalid)
	}

	key, err := v.certs.PublicKey(ctx, serialNo)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrSignatureInvalid)
	}

	// Same newline-joined base string as outbound signing, without the method/path
	base := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(base))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// DecryptResource decrypts an AEAD_AES_256_GCM resource payload with the
// 32-byte APIv3 key. An authentication-tag mismatch fails: undecryptable data
// is never treated as valid.
func DecryptResource(apiV3Key []byte, nonce, associatedData, ciphertextB64 string) ([]byte, error) {
	if len(apiV3Key) != 32 {
		return nil, fmt.Errorf("%w: APIv3 key must be 32 bytes", ErrDecryptFailed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrDecryptFailed)
	}

	block, err := aes.NewCipher(apiV3Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	plaintext, err := gcm.Open(nil, []byte(nonce), ciphertext, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
