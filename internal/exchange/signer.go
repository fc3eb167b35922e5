package exchange

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Signer produces the authentication headers for one request. The core
// treats signing as opaque: it hands over the instruction name, the request
// parameters and a timestamp, and attaches whatever comes back.
type Signer interface {
	Sign(creds Credentials, instruction string, params url.Values, timestamp int64, window int64) (map[string]string, error)
}

// ED25519Signer signs requests with the exchange's ED25519 scheme: the
// secret is a base64-encoded seed, the signature covers
// "instruction=<op>&<sorted params>&timestamp=<ms>&window=<ms>".
type ED25519Signer struct{}

// NewSigner returns the default signer.
func NewSigner() *ED25519Signer {
	return &ED25519Signer{}
}

// Sign implements Signer.
func (s *ED25519Signer) Sign(creds Credentials, instruction string, params url.Values, timestamp int64, window int64) (map[string]string, error) {
	seed, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("api secret has invalid length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)

	payload := signingPayload(instruction, params, timestamp, window)
	sig := ed25519.Sign(priv, []byte(payload))

	return map[string]string{
		"X-API-Key":   creds.APIKey,
		"X-Signature": base64.StdEncoding.EncodeToString(sig),
		"X-Timestamp": strconv.FormatInt(timestamp, 10),
		"X-Window":    strconv.FormatInt(window, 10),
	}, nil
}

// signingPayload builds the canonical string to sign: the instruction,
// the parameters in ascending key order, then timestamp and window.
func signingPayload(instruction string, params url.Values, timestamp, window int64) string {
	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString("&")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}

	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString("&window=")
	b.WriteString(strconv.FormatInt(window, 10))
	return b.String()
}
