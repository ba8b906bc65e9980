package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultRegion is the Cognito user pool region MyHarvia deploys to.
const DefaultRegion = "eu-west-1"

const (
	cognitoContentType = "application/x-amz-json-1.1"
	cognitoTarget      = "AWSCognitoIdentityProviderService.InitiateAuth"

	flowUserPassword = "USER_PASSWORD_AUTH"
	flowRefreshToken = "REFRESH_TOKEN_AUTH"
)

// CognitoAuthenticator logs in against the AWS Cognito user pool whose
// client id is discovered from the MyHarvia "users" endpoint. It performs
// its own endpoint discovery so it has no dependency on Client.
type CognitoAuthenticator struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	// idpURL overrides the regional Cognito endpoint; tests only.
	idpURL string

	mu       sync.Mutex
	clientID string
	region   string
}

// NewCognitoAuthenticator builds an authenticator for one account.
func NewCognitoAuthenticator(baseURL, username, password string) *CognitoAuthenticator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &CognitoAuthenticator{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate performs a full username/password login.
func (a *CognitoAuthenticator) Authenticate(ctx context.Context) (Tokens, error) {
	return a.initiateAuth(ctx, flowUserPassword, map[string]string{
		"USERNAME": a.username,
		"PASSWORD": a.password,
	})
}

// Renew exchanges a refresh token for a fresh token set. Cognito does not
// rotate the refresh token on this flow, so the caller's one is kept.
func (a *CognitoAuthenticator) Renew(ctx context.Context, refreshToken string) (Tokens, error) {
	tokens, err := a.initiateAuth(ctx, flowRefreshToken, map[string]string{
		"REFRESH_TOKEN": refreshToken,
	})
	if err != nil {
		return Tokens{}, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (a *CognitoAuthenticator) initiateAuth(ctx context.Context, flow string, params map[string]string) (Tokens, error) {
	clientID, region, err := a.userPoolClient(ctx)
	if err != nil {
		return Tokens{}, err
	}

	body, err := json.Marshal(map[string]any{
		"AuthFlow":       flow,
		"ClientId":       clientID,
		"AuthParameters": params,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("marshal auth request: %w", err)
	}

	u := a.idpURL
	if u == "" {
		u = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", cognitoContentType)
	req.Header.Set("X-Amz-Target", cognitoTarget)

	resp, err := a.http.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: cognito %s: %v", ErrConnection, flow, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: read cognito response: %v", ErrConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		var ce struct {
			Type    string `json:"__type"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &ce)
		if ce.Type != "" {
			return Tokens{}, fmt.Errorf("%w: cognito %s: %s", ErrAuth, ce.Type, ce.Message)
		}
		return Tokens{}, fmt.Errorf("%w: cognito returned %d", ErrAuth, resp.StatusCode)
	}

	var result struct {
		AuthenticationResult struct {
			AccessToken  string `json:"AccessToken"`
			RefreshToken string `json:"RefreshToken"`
			IDToken      string `json:"IdToken"`
		} `json:"AuthenticationResult"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Tokens{}, fmt.Errorf("%w: decode cognito response: %v", ErrConnection, err)
	}
	if result.AuthenticationResult.IDToken == "" {
		return Tokens{}, fmt.Errorf("%w: cognito %s returned no id token", ErrAuth, flow)
	}
	return Tokens{
		AccessToken:  result.AuthenticationResult.AccessToken,
		RefreshToken: result.AuthenticationResult.RefreshToken,
		IDToken:      result.AuthenticationResult.IDToken,
	}, nil
}

// userPoolClient discovers (once) the Cognito app client id and region from
// the users endpoint.
func (a *CognitoAuthenticator) userPoolClient(ctx context.Context) (clientID, region string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clientID != "" {
		return a.clientID, a.region, nil
	}

	u := fmt.Sprintf("%s/users/endpoint", a.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", "", fmt.Errorf("build users endpoint request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: fetch users endpoint: %v", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: users endpoint returned %d", ErrConnection, resp.StatusCode)
	}

	var ep Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return "", "", fmt.Errorf("%w: decode users endpoint: %v", ErrConnection, err)
	}
	if ep.ClientID == "" {
		return "", "", fmt.Errorf("%w: users endpoint carries no client id", ErrConnection)
	}
	a.clientID = ep.ClientID
	a.region = ep.Region
	if a.region == "" {
		a.region = DefaultRegion
	}
	return a.clientID, a.region, nil
}
