// Package webhook authenticates and decodes payment gateway callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/matthewbaird/rentledger/internal/ledger"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>".
const SignatureHeader = "Rentledger-Signature"

// DefaultTolerance is the maximum accepted clock skew between the gateway
// timestamp and now.
const DefaultTolerance = 5 * time.Minute

// Verifier checks HMAC-SHA256 signatures over "<timestamp>.<body>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A non-positive tolerance uses
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Verify returns an ErrVerification error unless header carries a valid,
// fresh signature of body.
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return invalid("webhook secret not configured")
	}
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return invalid("signature timestamp outside tolerance")
	}
	want := mac(v.secret, ts, body)
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, want) {
			return nil
		}
	}
	return invalid("signature mismatch")
}

// Sign produces a header value for body at ts. The gateway simulator and the
// tests use it.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := ts.Unix()
	return "t=" + strconv.FormatInt(unix, 10) + ",v1=" + hex.EncodeToString(mac([]byte(secret), unix, body))
}

func mac(secret []byte, ts int64, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

func parseHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, invalid("missing " + SignatureHeader + " header")
	}
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, invalid("malformed signature timestamp")
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, invalid("malformed " + SignatureHeader + " header")
	}
	return ts, sigs, nil
}

func invalid(msg string) error {
	return &ledger.Error{Kind: ledger.ErrVerification, Code: ledger.CodeInvalidSignature, Message: msg}
}
