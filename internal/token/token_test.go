package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/finsync/internal/token/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type authServer struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newAuthServer(t *testing.T) *authServer {
	s := &authServer{}
	s.status.Store(http.StatusOK)
	s.body.Store(`{"access_token":"tok-%d","expires_in":300}`)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "x-secret", r.Header.Get("X-Token"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(s.status.Load()))
		fmt.Fprintf(w, s.body.Load().(string), n)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestProvider(url string, clock *fakeClock) *provider {
	return newProvider(config.Config{
		AuthURL:      url,
		ClientID:     "id",
		ClientSecret: "secret",
		XToken:       "x-secret",
	}, clock.Now)
}

func TestAccessTokenRefreshBoundary(t *testing.T) {
	srv := newAuthServer(t)
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	p := newTestProvider(srv.URL, clock)
	ctx := context.Background()

	tok, err := p.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	expiry := t0.Add(300 * time.Second)

	// за 31 секунду до истечения - из кэша
	clock.Set(expiry.Add(-31 * time.Second))
	tok, err = p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, srv.calls.Load())

	// за 29 секунд - обновление
	clock.Set(expiry.Add(-29 * time.Second))
	tok, err = p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, srv.calls.Load())
}

func TestAccessTokenConcurrentSingleRefresh(t *testing.T) {
	srv := newAuthServer(t)
	p := newTestProvider(srv.URL, &fakeClock{t: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestAccessTokenFailureKeepsCache(t *testing.T) {
	srv := newAuthServer(t)
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	p := newTestProvider(srv.URL, clock)

	_, err := p.AccessToken(context.Background())
	require.NoError(t, err)

	clock.Set(t0.Add(290 * time.Second))
	srv.status.Store(http.StatusInternalServerError)
	_, err = p.AccessToken(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "tok-1", p.token)
	assert.Equal(t, t0.Add(300*time.Second), p.expiry)
}

func TestAccessTokenMissingToken(t *testing.T) {
	srv := newAuthServer(t)
	srv.body.Store(`{"error":"invalid_client","n":%d}`)
	p := newTestProvider(srv.URL, &fakeClock{t: time.Now()})

	_, err := p.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	assert.Empty(t, p.token)
}

func TestAccessTokenUnreachable(t *testing.T) {
	srv := newAuthServer(t)
	url := srv.URL
	srv.Close()

	p := newTestProvider(url, &fakeClock{t: time.Now()})
	_, err := p.AccessToken(context.Background())

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
}

func TestExpiryOf(t *testing.T) {
	issued := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": issued.Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		answer authAnswer
		want   time.Time
	}{
		{"number", authAnswer{AccessToken: "opaque", ExpiresIn: []byte(`600`)}, issued.Add(600 * time.Second)},
		{"string", authAnswer{AccessToken: "opaque", ExpiresIn: []byte(`"120"`)}, issued.Add(120 * time.Second)},
		{"absent", authAnswer{AccessToken: "opaque"}, issued.Add(300 * time.Second)},
		{"null", authAnswer{AccessToken: "opaque", ExpiresIn: []byte(`null`)}, issued.Add(300 * time.Second)},
		{"jwt exp", authAnswer{AccessToken: signed}, issued.Add(time.Hour)},
		{"expires_in wins over jwt", authAnswer{AccessToken: signed, ExpiresIn: []byte(`60`)}, issued.Add(60 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(expiryOf(tt.answer, issued)))
		})
	}
}
