package wechatpay

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	certRedisPrefix = "wechatpay:platform_cert:"
	certRedisTTL    = 12 * time.Hour
)

// CertStore fetches and caches WeChat Pay platform certificates. The provider
// rotates certificates and announces the active serial on every callback, so
// an unknown serial triggers a refresh from GET /v3/certificates.
//
// Certificates are cached in memory and, when a Redis client is provided,
// shared across instances as PEM blobs keyed by serial.
type CertStore struct {
	httpClient *http.Client
	baseURL    string
	signer     *Signer
	apiV3Key   []byte
	redis      *redis.Client // optional, nil-safe

	mu    sync.RWMutex
	certs map[string]*rsa.PublicKey
}

// NewCertStore creates a platform certificate store
func NewCertStore(baseURL string, signer *Signer, apiV3Key []byte, redisClient *redis.Client, timeout time.Duration) *CertStore {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &CertStore{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		signer:     signer,
		apiV3Key:   apiV3Key,
		redis:      redisClient,
		certs:      make(map[string]*rsa.PublicKey),
	}
}

// Put seeds a certificate directly. Used by tests.
func (s *CertStore) Put(serialNo string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[serialNo] = key
}

// PublicKey returns the platform public key for the given serial, refreshing
// the certificate list from the provider when the serial is unknown.
func (s *CertStore) PublicKey(ctx context.Context, serialNo string) (*rsa.PublicKey, error) {
	if serialNo == "" {
		return nil, fmt.Errorf("%w: empty serial", ErrCertUnavailable)
	}

	s.mu.RLock()
	key, ok := s.certs[serialNo]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	if key := s.fromRedis(ctx, serialNo); key != nil {
		s.Put(serialNo, key)
		return key, nil
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	key, ok = s.certs[serialNo]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: serial %s not in provider certificate list", ErrCertUnavailable, serialNo)
	}
	return key, nil
}

// refresh downloads the current platform certificates. Each certificate body
// arrives AES-256-GCM encrypted under the merchant's APIv3 key.
func (s *CertStore) refresh(ctx context.Context) error {
	urlPath := "/v3/certificates"
	auth, err := s.signer.AuthorizationHeader(http.MethodGet, urlPath, "")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+urlPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download: %v", ErrCertUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrCertUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrCertUnavailable, resp.StatusCode, string(body))
	}

	var listing struct {
		Data []struct {
			SerialNo           string   `json:"serial_no"`
			EncryptCertificate Resource `json:"encrypt_certificate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return fmt.Errorf("%w: parse listing: %v", ErrCertUnavailable, err)
	}

	for _, entry := range listing.Data {
		certPEM, err := DecryptResource(s.apiV3Key, entry.EncryptCertificate.Nonce,
			entry.EncryptCertificate.AssociatedData, entry.EncryptCertificate.Ciphertext)
		if err != nil {
			log.Error().Err(err).Str("serial", entry.SerialNo).Msg("Failed to decrypt platform certificate")
			continue
		}
		key, err := parseCertificatePEM(certPEM)
		if err != nil {
			log.Error().Err(err).Str("serial", entry.SerialNo).Msg("Failed to parse platform certificate")
			continue
		}
		s.Put(entry.SerialNo, key)
		s.toRedis(ctx, entry.SerialNo, certPEM)
		log.Info().Str("serial", entry.SerialNo).Msg("Cached WeChat Pay platform certificate")
	}
	return nil
}

func (s *CertStore) fromRedis(ctx context.Context, serialNo string) *rsa.PublicKey {
	if s.redis == nil {
		return nil
	}
	pemData, err := s.redis.Get(ctx, certRedisPrefix+serialNo).Bytes()
	if err != nil {
		return nil
	}
	key, err := parseCertificatePEM(pemData)
	if err != nil {
		log.Warn().Err(err).Str("serial", serialNo).Msg("Discarding unparsable cached certificate")
		return nil
	}
	return key
}

func (s *CertStore) toRedis(ctx context.Context, serialNo string, certPEM []byte) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, certRedisPrefix+serialNo, certPEM, certRedisTTL).Err(); err != nil {
		log.Warn().Err(err).Str("serial", serialNo).Msg("Failed to cache certificate in Redis")
	}
}

func parseCertificatePEM(certPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is not RSA")
	}
	return key, nil
}
