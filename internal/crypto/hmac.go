package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HMACAuth holds API credentials for the CLOB (L2) and Builder relayer.
type HMACAuth struct {
	Key        string
	Secret     string // base64 for L2, raw for Builder
	Passphrase string
	now        func() time.Time
}

func (h *HMACAuth) timestamp() string {
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	return strconv.FormatInt(now().Unix(), 10)
}

// L2Headers returns the CLOB L2 auth headers. The signature is
// base64(HMAC-SHA256(base64decode(secret), ts+method+path+body)).
func (h *HMACAuth) L2Headers(address, method, path, body string) http.Header {
	ts := h.timestamp()
	secret, err := base64.URLEncoding.DecodeString(h.Secret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(h.Secret); err != nil {
			secret = []byte(h.Secret)
		}
	}
	hdr := make(http.Header, 5)
	hdr.Set("POLY_ADDRESS", address)
	hdr.Set("POLY_API_KEY", h.Key)
	hdr.Set("POLY_TIMESTAMP", ts)
	hdr.Set("POLY_PASSPHRASE", h.Passphrase)
	hdr.Set("POLY_SIGNATURE", sign(secret, ts+method+path+body))
	return hdr
}

// BuilderHeaders returns the Builder relayer auth headers, signed with the
// raw secret.
func (h *HMACAuth) BuilderHeaders(method, path, body string) http.Header {
	ts := h.timestamp()
	hdr := make(http.Header, 4)
	hdr.Set("POLY_BUILDER_API_KEY", h.Key)
	hdr.Set("POLY_BUILDER_TIMESTAMP", ts)
	hdr.Set("POLY_BUILDER_PASSPHRASE", h.Passphrase)
	hdr.Set("POLY_BUILDER_SIGNATURE", sign([]byte(h.Secret), ts+method+path+body))
	return hdr
}

// Apply copies hdr onto req.
func Apply(req *http.Request, hdr http.Header) {
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String redacts the credentials for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
