package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

const (
	// HmacPrefix introduces the Authorization header of a signed request.
	HmacPrefix = "DEPOT-HMAC-SHA256 "

	// DateHeader carries the signing time of a signed request.
	DateHeader = "X-Depot-Date"

	// DateFormat is the timestamp layout used in DateHeader.
	DateFormat = "20060102T150405Z"

	// DefaultMaxSkew bounds how far a request's signing time may drift from
	// the server clock before the signature is rejected.
	DefaultMaxSkew = 15 * time.Minute
)

// HmacAuthEngine verifies requests signed with a shared key pair. The
// signature commits to the request method, path and signing time, so a
// captured Authorization header cannot be replayed against another resource
// or outside the skew window.
type HmacAuthEngine struct {
	AccessKey string
	SecretKey string

	// MaxSkew overrides DefaultMaxSkew when positive.
	MaxSkew time.Duration
}

// NewHmacAuthEngine creates a new HmacAuthEngine verifying signatures made
// with the given key pair.
func NewHmacAuthEngine(accessKey, secretKey string) *HmacAuthEngine {
	return &HmacAuthEngine{
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// HmacSHA256 computes the HMAC-SHA256 of data under key.
func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// BuildCanonicalRequest returns the string a signed request commits to: the
// method, the escaped path and the signing time, newline separated.
func BuildCanonicalRequest(r *http.Request, date string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(r.URL.EscapedPath())
	b.WriteString("\n")
	b.WriteString(date)
	return b.String()
}

// SignRequest stamps r with a signing time and an Authorization header that
// HmacAuthEngine accepts. Clients use it to authenticate against a server
// sharing the same key pair.
func SignRequest(r *http.Request, accessKey, secretKey string, now time.Time) {
	date := now.UTC().Format(DateFormat)
	r.Header.Set(DateHeader, date)

	signature := HmacSHA256([]byte(secretKey), BuildCanonicalRequest(r, date))
	r.Header.Set("Authorization",
		HmacPrefix+"Credential="+accessKey+", Signature="+hex.EncodeToString(signature))
}

// AuthenticateRequest verifies the Authorization header of a signed request.
// It returns a User object when the signature is valid and fresh, nil
// otherwise.
func (e *HmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, HmacPrefix) {
		return nil, nil
	}
	params := strings.TrimSpace(strings.TrimPrefix(header, HmacPrefix))
	parts := strings.Split(params, ",")
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		kv[p[:idx]] = strings.TrimSpace(p[idx+1:])
	}

	credential, okCred := kv["Credential"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSig {
		return nil, nil
	}
	if credential != e.AccessKey {
		return nil, nil
	}

	date := r.Header.Get(DateHeader)
	if date == "" {
		return nil, nil
	}
	signedAt, err := time.Parse(DateFormat, date)
	if err != nil {
		return nil, nil
	}

	maxSkew := e.MaxSkew
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	skew := time.Now().UTC().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return nil, nil
	}

	decodedSignature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, nil
	}

	computedSignature := HmacSHA256([]byte(e.SecretKey), BuildCanonicalRequest(r, date))
	if !hmac.Equal(computedSignature, decodedSignature) {
		return nil, nil
	}

	return &User{
		AccessKey: credential,
	}, nil
}
