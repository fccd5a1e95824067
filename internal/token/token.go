package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/finsync/internal/token/config"
)

const (
	// SafetyWindow - токен обновляется заранее, за это время до истечения
	SafetyWindow     = 30 * time.Second
	defaultExpiresIn = 300 * time.Second
	defaultTimeout   = 15 * time.Second
)

// AuthError - сервер авторизации недоступен или не вернул токен.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "gateway authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

var ErrNoToken = errors.New("response without access_token")

// Provider выдает bearer-токен шлюза ERP (OAuth2 client credentials)
// и кэширует его до истечения.
type Provider interface {
	AccessToken(ctx context.Context) (string, error)
}

type provider struct {
	cfg    config.Config
	client *resty.Client
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewProvider(cfg config.Config) Provider {
	return newProvider(cfg, time.Now)
}

func newProvider(cfg config.Config, now func() time.Time) *provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &provider{
		cfg:    cfg,
		client: resty.New().SetTimeout(timeout),
		now:    now,
	}
}

type authAnswer struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (p *provider) AccessToken(ctx context.Context) (string, error) {
	// под мьютексом: параллельные вызовы дожидаются одного обновления
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiry.Add(-SafetyWindow)) {
		return p.token, nil
	}

	setreq := p.client.R().
		SetContext(ctx).
		SetHeader("X-Token", p.cfg.XToken).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     p.cfg.ClientID,
			"client_secret": p.cfg.ClientSecret,
		})
	setresp, err := setreq.Post(p.cfg.AuthURL)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if setresp.IsError() {
		return "", &AuthError{Err: fmt.Errorf("auth request status: %d", setresp.StatusCode())}
	}

	var answer authAnswer
	if err := json.Unmarshal(setresp.Body(), &answer); err != nil {
		return "", &AuthError{Err: err}
	}
	if answer.AccessToken == "" {
		return "", &AuthError{Err: ErrNoToken}
	}

	issued := p.now()
	p.token = answer.AccessToken
	p.expiry = expiryOf(answer, issued)

	return p.token, nil
}

// expiryOf: expires_in (число или строка), затем exp из JWT, затем 300 секунд
func expiryOf(answer authAnswer, issued time.Time) time.Time {
	if secs, ok := parseExpiresIn(answer.ExpiresIn); ok {
		return issued.Add(time.Duration(secs) * time.Second)
	}
	if exp, ok := jwtExpiry(answer.AccessToken); ok {
		return exp
	}
	return issued.Add(defaultExpiresIn)
}

func parseExpiresIn(raw json.RawMessage) (int64, bool) {
	raw = bytes.Trim(bytes.TrimSpace(raw), `"`)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return int64(secs), true
}

func jwtExpiry(tokenString string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		v, err := exp.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(v, 0), true
	}
	return time.Time{}, false
}
