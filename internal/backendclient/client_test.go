package backendclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func staticToken(tok string) TokenProvider {
	return func() string { return tok }
}

func TestUnconfiguredClientFailsFastWithoutNetworkIO(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New("", time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hi", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindConfiguration, err.Kind)
	require.False(t, called)
}

func TestMissingTokenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be reached when token is missing")
	}))
	defer srv.Close()

	var audited string
	c := New(srv.URL, time.Second, staticToken(""), nil, func(event string, _ map[string]any) { audited = event })
	_, err := c.AskWithDomain(context.Background(), "hi", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindAuth, err.Kind)
	require.Equal(t, "auth_failure", audited)
}

func TestAskWithDomainParsesResultField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "hello", body["message"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result": "hi there",
			"tokens": 42,
			"model":  "gpt-test",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	res, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.Nil(t, err)
	require.Equal(t, "hi there", res.Text)
	require.Equal(t, 42, res.Tokens)
	require.Equal(t, "gpt-test", res.Model)
	require.Equal(t, 0.0, res.Cost)
}

func TestAskWithDomainExtractsNestedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response": "ok",
			"meta":     map[string]any{"tokens": map[string]any{"total_tokens": 7}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	res, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.Nil(t, err)
	require.Equal(t, 7, res.Tokens)
	require.Equal(t, "unknown", res.Model)
}

func Test401IsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindAuth, err.Kind)
}

func Test403ConfirmationRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"code":                  "CONFIRMATION_REQUIRED",
			"confirmationChallenge": map[string]any{"id": "chal-123"},
			"pending_actions":       []any{"action-a"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindConfirmation, err.Kind)
	require.Equal(t, "chal-123", err.ConfirmationChallengeID)
	require.Len(t, err.PendingActions, 1)
}

func Test403WithoutChallengeIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"message": "nope"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindAuth, err.Kind)
}

func Test429ParsesRetryAfterFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"retryAfter": 125})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindRateLimit, err.Kind)
	require.True(t, err.HasRetryAfter)
	require.Equal(t, 125, err.RetryAfterSeconds)
	require.Contains(t, err.Message, "2 minutes")
}

func TestOtherNon2xxIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.AskWithDomain(context.Background(), "hello", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindHTTP, err.Kind)
	require.Equal(t, 500, err.StatusCode)
}

func TestVisionRejectsEmptyImageWithoutNetworkIO(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	_, err := c.Vision(context.Background(), "", "", nil)
	require.NotNil(t, err)
	require.Equal(t, KindValidation, err.Kind)
	require.False(t, called)
}

func TestHeartbeatSurfacesRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, staticToken("tok"), nil, nil)
	status, retryAfter, has, err := c.Heartbeat(context.Background(), "client", "inst", "1.0", 10)
	require.Nil(t, err)
	require.Equal(t, 429, status)
	require.True(t, has)
	require.Equal(t, 5, retryAfter)
}
