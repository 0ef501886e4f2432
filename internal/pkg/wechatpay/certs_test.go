package wechatpay

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// platformCertPEM builds a self-signed certificate for the test key, playing
// the role of a WeChat Pay platform certificate.
func platformCertPEM(t *testing.T) []byte {
	t.Helper()
	key := testRSAKey(t)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Tenpay.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestCertStoreRefreshesOnUnknownSerial(t *testing.T) {
	apiV3Key := []byte("0123456789abcdef0123456789abcdef")
	certPEM := platformCertPEM(t)

	refreshes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/certificates" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("certificate download request is unsigned")
		}
		refreshes++

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"serial_no": "PLATFORM01",
				"encrypt_certificate": map[string]string{
					"algorithm":       "AEAD_AES_256_GCM",
					"nonce":           "abc123def456",
					"associated_data": "certificate",
					"ciphertext":      encryptResource(t, apiV3Key, "abc123def456", "certificate", certPEM),
				},
			}},
		})
	}))
	defer server.Close()

	signer := NewSignerFromKey("1900000001", "SERIAL01", testRSAKey(t))
	store := NewCertStore(server.URL, signer, apiV3Key, nil, 5*time.Second)

	key, err := store.PublicKey(context.Background(), "PLATFORM01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if key.N.Cmp(testRSAKey(t).PublicKey.N) != 0 {
		t.Error("resolved key does not match the certificate key")
	}

	// Second lookup is served from memory
	if _, err := store.PublicKey(context.Background(), "PLATFORM01"); err != nil {
		t.Fatalf("cached PublicKey: %v", err)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

func TestCertStoreUnknownSerialAfterRefresh(t *testing.T) {
	apiV3Key := []byte("0123456789abcdef0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	signer := NewSignerFromKey("1900000001", "SERIAL01", testRSAKey(t))
	store := NewCertStore(server.URL, signer, apiV3Key, nil, 5*time.Second)

	if _, err := store.PublicKey(context.Background(), "NOPE"); !errors.Is(err, ErrCertUnavailable) {
		t.Fatalf("got %v, want ErrCertUnavailable", err)
	}
}

func TestCertStoreRejectsEmptySerial(t *testing.T) {
	store := NewCertStore("http://unreachable.invalid", nil, nil, nil, time.Second)
	if _, err := store.PublicKey(context.Background(), ""); !errors.Is(err, ErrCertUnavailable) {
		t.Fatalf("got %v, want ErrCertUnavailable", err)
	}
}
