package bybitp2p

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultRecvWindow = 5 * time.Second

// Signer produces the X-BAPI authentication headers.
type Signer struct {
	APIKey     string
	Secret     string
	RecvWindow time.Duration
}

func (s Signer) recvWindow() string {
	w := s.RecvWindow
	if w <= 0 {
		w = defaultRecvWindow
	}

	return strconv.FormatInt(w.Milliseconds(), 10)
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + apiKey + recvWindow + query)).
func (s Signer) Sign(timestampMs int64, query string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte(s.APIKey))
	mac.Write([]byte(s.recvWindow()))
	mac.Write([]byte(query))

	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns signed headers for a request issued at ts.
func (s Signer) Headers(ts time.Time, query string) http.Header {
	ms := ts.UnixMilli()

	h := http.Header{}
	h.Set("X-BAPI-API-KEY", s.APIKey)
	h.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ms, 10))
	h.Set("X-BAPI-RECV-WINDOW", s.recvWindow())
	h.Set("X-BAPI-SIGN", s.Sign(ms, query))

	return h
}

// SortedQuery encodes params with keys in ascending order.
func SortedQuery(params url.Values) string {
	return params.Encode()
}
