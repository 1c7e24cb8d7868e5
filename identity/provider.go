//go:generate go run go.uber.org/mock/mockgen -source=provider.go -destination=../mocks/mock_identity_provider.go -package=mocks
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ProviderUser is the principal as known by the external identity service.
type ProviderUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// MagicAuth is the acknowledgement of a login-link request.
type MagicAuth struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AuthResult is returned by code verification and token refresh.
type AuthResult struct {
	User         ProviderUser `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
}

// Provider is the opaque remote identity service. Implementations are
// injected so tests can substitute a stub; the production implementation
// is HTTPProvider.
type Provider interface {
	SendMagicLink(ctx context.Context, email string) (MagicAuth, error)
	VerifyCode(ctx context.Context, email, code string) (AuthResult, error)
	FetchUser(ctx context.Context, credential string) (ProviderUser, error)
	RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error)
}

// HTTPProvider speaks JSON over HTTP to the identity service.
// The wire protocol is the provider's own business: nothing here is
// retried or circuit-gated, that is the resilient client's job.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	clientID string
	http     *http.Client
}

func NewHTTPProvider(baseURL, apiKey, clientID string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  baseURL,
		apiKey:   apiKey,
		clientID: clientID,
		// No client-level timeout: the resilient client bounds every
		// call with its own per-operation budget.
		http: &http.Client{},
	}
}

func (p *HTTPProvider) SendMagicLink(ctx context.Context, email string) (MagicAuth, error) {
	var out MagicAuth
	err := p.post(ctx, "/user_management/magic_auth", map[string]string{
		"email": email,
	}, &out)
	return out, err
}

func (p *HTTPProvider) VerifyCode(ctx context.Context, email, code string) (AuthResult, error) {
	var out AuthResult
	err := p.post(ctx, "/user_management/authenticate", map[string]string{
		"email":     email,
		"code":      code,
		"client_id": p.clientID,
	}, &out)
	return out, err
}

func (p *HTTPProvider) FetchUser(ctx context.Context, credential string) (ProviderUser, error) {
	var out ProviderUser
	err := p.get(ctx, "/user_management/users/"+url.PathEscape(credential), &out)
	return out, err
}

func (p *HTTPProvider) RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error) {
	var out AuthResult
	err := p.post(ctx, "/user_management/authenticate", map[string]string{
		"refresh_token": refreshToken,
		"client_id":     p.clientID,
		"grant_type":    "refresh_token",
	}, &out)
	return out, err
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *HTTPProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *HTTPProvider) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("identity provider rejected %s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
