package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex>" where v1 is HMAC-SHA256 of
// "<unix>.<body>" under the subscription secret.
const SignatureHeader = "X-Signature"

// MaxSignatureAge bounds how old a signed delivery may be when verified.
const MaxSignatureAge = 5 * time.Minute

func mac(secret string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the SignatureHeader value for body sent at now.
func Sign(secret string, body []byte, now time.Time) string {
	ts := now.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac(secret, ts, body)))
}

// Verify checks a SignatureHeader value against body. Signatures older than
// MaxSignatureAge relative to now are rejected.
func Verify(secret string, body []byte, header string, now time.Time) bool {
	var ts int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				return false
			}
			sig = b
		}
	}
	if ts == 0 || sig == nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > MaxSignatureAge || age < -MaxSignatureAge {
		return false
	}
	return hmac.Equal(mac(secret, ts, body), sig)
}
