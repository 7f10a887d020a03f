package auth

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const (
	testKey    = "merchant-1"
	testSecret = "super-secret"
)

func newTestAuthenticator(now time.Time) *Authenticator {
	return NewAuthenticator(map[string]string{testKey: testSecret}, time.Minute, func() time.Time { return now })
}

func TestAuthenticateValidRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{"title":"x"}`)
	req := httptest.NewRequest("POST", "/v1/listings", bytes.NewReader(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature(testSecret, ts, "n-1", "POST", CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "n-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != testKey {
		t.Fatalf("principal %q, want %q", principal.APIKey, testKey)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "n-1")
	req.Header.Set(HeaderSignature, "deadbeef")
	if _, err := a.Authenticate(req, nil); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	sig := ComputeSignature(testSecret, stale, "n-1", "GET", "/v1/stats", nil)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, stale)
	req.Header.Set(HeaderNonce, "n-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	if _, err := a.Authenticate(req, nil); err == nil {
		t.Fatal("expected skew rejection")
	}
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature(testSecret, ts, "n-1", "GET", "/v1/stats", nil)

	for attempt := 0; attempt < 2; attempt++ {
		req := httptest.NewRequest("GET", "/v1/stats", nil)
		req.Header.Set(HeaderAPIKey, testKey)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "n-1")
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		_, err := a.Authenticate(req, nil)
		if attempt == 0 && err != nil {
			t.Fatalf("first use: %v", err)
		}
		if attempt == 1 && err == nil {
			t.Fatal("replay accepted")
		}
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set(HeaderAPIKey, "nobody")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderNonce, "n-1")
	req.Header.Set(HeaderSignature, "00")
	if _, err := a.Authenticate(req, nil); err == nil {
		t.Fatal("expected unknown key rejection")
	}
}

func TestCanonicalQuerySorts(t *testing.T) {
	if got := CanonicalQuery("b=2&a=1"); got != "a=1&b=2" {
		t.Fatalf("canonical query %q", got)
	}
}
