package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	authPayloadPrefix = "AUTH"
	restSignaturePath = "/api/v2/"

	headerNonce     = "bfx-nonce"
	headerAPIKey    = "bfx-apikey"
	headerSignature = "bfx-signature"
)

// AuthPayload is the signed material sent in a websocket auth frame.
type AuthPayload struct {
	Nonce     int64
	Payload   string
	Signature string
}

// BuildAuthPayload signs "AUTH"+nonce with the API secret.
func BuildAuthPayload(apiSecret string, nonce int64) AuthPayload {
	payload := authPayloadPrefix + strconv.FormatInt(nonce, 10)
	return AuthPayload{
		Nonce:     nonce,
		Payload:   payload,
		Signature: computeHMAC(payload, apiSecret),
	}
}

// BuildRESTSignature signs "/api/v2/"+endpointPath+nonce+body. An empty body is omitted.
func BuildRESTSignature(apiSecret, endpointPath string, nonce int64, body []byte) string {
	message := restSignaturePath + endpointPath + strconv.FormatInt(nonce, 10) + string(body)
	return computeHMAC(message, apiSecret)
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha512.New384, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// NonceSource hands out millisecond nonces that never repeat or go backwards,
// even when called faster than the clock ticks.
type NonceSource struct {
	last atomic.Int64
	now  func() time.Time
}

func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

func (n *NonceSource) Next() int64 {
	for {
		candidate := n.now().UnixMilli()
		last := n.last.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if n.last.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}

// Signer holds the key material shared by the stream and REST clients.
// It is read-only after construction and safe for concurrent use.
type Signer struct {
	apiKey    string
	apiSecret string
	nonces    *NonceSource
}

func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		nonces:    NewNonceSource(),
	}
}

func (s *Signer) APIKey() string {
	return s.apiKey
}

func (s *Signer) NextNonce() int64 {
	return s.nonces.Next()
}

// AuthPayload builds a websocket auth payload with a fresh nonce.
func (s *Signer) AuthPayload() AuthPayload {
	return BuildAuthPayload(s.apiSecret, s.NextNonce())
}

// AddAuthHeaders signs a REST request for endpointPath with a fresh nonce.
func (s *Signer) AddAuthHeaders(req *http.Request, endpointPath string, body []byte) {
	nonce := s.NextNonce()
	req.Header.Set(headerNonce, strconv.FormatInt(nonce, 10))
	req.Header.Set(headerAPIKey, s.apiKey)
	req.Header.Set(headerSignature, BuildRESTSignature(s.apiSecret, endpointPath, nonce, body))
}

// maskKey keeps only a short prefix of a credential for logging.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "***"
}
