package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"harvia_mirror/internal/logger"
)

// DefaultBaseURL is the MyHarvia endpoint-discovery host.
const DefaultBaseURL = "https://prod.myharvia-cloud.net"

// Channel names exposed by the cloud. "device" carries control state,
// "data" carries telemetry.
const (
	ChannelDevice = "device"
	ChannelData   = "data"
)

// endpointNames are the logical services discoverable under the base URL.
var endpointNames = []string{"users", ChannelDevice, "events", ChannelData}

// appsyncRealtimeRe rewrites an AppSync GraphQL HTTP URL into its realtime
// counterpart and extracts the signing host.
var appsyncRealtimeRe = regexp.MustCompile(`^https://(.+)\.appsync-api\.(.+)/graphql$`)

// Endpoint is one discovered service endpoint.
type Endpoint struct {
	Endpoint   string `json:"endpoint"`
	UserPoolID string `json:"userPoolId"`
	ClientID   string `json:"clientId"`
	Region     string `json:"region"`
}

// WSEndpoint describes how to reach a channel's realtime socket.
type WSEndpoint struct {
	URL  string // wss:// URL without auth parameters
	Host string // host value for the authorization header object
}

// UserData identifies the routing scopes for subscriptions.
type UserData struct {
	Email          string `json:"email"`
	OrganizationID string `json:"organizationId"`
}

// Client talks to the MyHarvia cloud: endpoint discovery, GraphQL queries
// and mutations, and realtime URL construction. One Client serves one
// account; endpoint discovery is cached for the process lifetime.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	log     *logger.Logger

	mu        sync.Mutex
	endpoints map[string]Endpoint
	userData  *UserData
}

// NewClient constructs an API client for one account.
func NewClient(baseURL string, tokens *TokenSource, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		log:     log,
	}
}

// Endpoints fetches (once) and returns the service endpoint map.
func (c *Client) Endpoints(ctx context.Context) (map[string]Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints != nil {
		return c.endpoints, nil
	}

	eps := make(map[string]Endpoint, len(endpointNames))
	for _, name := range endpointNames {
		ep, err := c.fetchEndpoint(ctx, name)
		if err != nil {
			return nil, err
		}
		eps[name] = ep
	}
	c.endpoints = eps
	c.log.Debugw("myharvia endpoints fetched", "count", len(eps))
	return c.endpoints, nil
}

func (c *Client) fetchEndpoint(ctx context.Context, name string) (Endpoint, error) {
	u := fmt.Sprintf("%s/%s/endpoint", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("build endpoint request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: fetch endpoint %s: %v", ErrConnection, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("%w: endpoint %s returned %d", ErrConnection, name, resp.StatusCode)
	}
	var ep Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return Endpoint{}, fmt.Errorf("%w: decode endpoint %s: %v", ErrConnection, name, err)
	}
	return ep, nil
}

// graphql posts a GraphQL document to the named endpoint and returns the
// raw "data" object.
func (c *Client) graphql(ctx context.Context, endpoint string, body map[string]any) (map[string]json.RawMessage, error) {
	idToken, err := c.tokens.IDToken(ctx)
	if err != nil {
		return nil, err
	}
	eps, err := c.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	ep, ok := eps[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: unknown endpoint %q", ErrConnection, endpoint)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", idToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: graphql %s: %v", ErrConnection, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read graphql response: %v", ErrConnection, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: graphql %s returned %d", ErrAuth, endpoint, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: graphql %s returned %d", ErrConnection, endpoint, resp.StatusCode)
	}

	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode graphql response: %v", ErrConnection, err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql %s: %s", ErrConnection, endpoint, envelope.Errors[0].Message)
	}
	return envelope.Data, nil
}

// UserDetails fetches (once) the account's email and organization id.
func (c *Client) UserDetails(ctx context.Context) (UserData, error) {
	c.mu.Lock()
	cached := c.userData
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	data, err := c.graphql(ctx, "users", map[string]any{
		"operationName": "Query",
		"variables":     map[string]any{},
		"query":         queryUserDetails,
	})
	if err != nil {
		return UserData{}, err
	}
	raw, ok := data["getCurrentUserDetails"]
	if !ok {
		return UserData{}, fmt.Errorf("%w: missing getCurrentUserDetails", ErrConnection)
	}
	var ud UserData
	if err := json.Unmarshal(raw, &ud); err != nil {
		return UserData{}, fmt.Errorf("%w: decode user details: %v", ErrConnection, err)
	}

	c.mu.Lock()
	c.userData = &ud
	c.mu.Unlock()
	return ud, nil
}

// ListDevices walks the account's device tree and returns device ids.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	data, err := c.graphql(ctx, ChannelDevice, map[string]any{
		"operationName": "Query",
		"variables":     map[string]any{},
		"query":         queryDeviceTree,
	})
	if err != nil {
		return nil, err
	}
	raw, ok := data["getDeviceTree"]
	if !ok {
		return nil, fmt.Errorf("%w: missing getDeviceTree", ErrConnection)
	}

	// getDeviceTree is AWSJSON: a JSON string containing the tree.
	var treeJSON string
	if err := json.Unmarshal(raw, &treeJSON); err != nil {
		return nil, fmt.Errorf("%w: decode device tree wrapper: %v", ErrConnection, err)
	}
	var tree []struct {
		C []struct {
			I struct {
				Name string `json:"name"`
			} `json:"i"`
		} `json:"c"`
	}
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		return nil, fmt.Errorf("%w: decode device tree: %v", ErrConnection, err)
	}
	if len(tree) == 0 {
		c.log.Warnw("no devices found in device tree")
		return nil, nil
	}

	ids := make([]string, 0, len(tree[0].C))
	for _, child := range tree[0].C {
		if child.I.Name != "" {
			ids = append(ids, child.I.Name)
		}
	}
	return ids, nil
}

// GetState returns the device's reported control state as a field map.
func (c *Client) GetState(ctx context.Context, deviceID string) (map[string]any, error) {
	data, err := c.graphql(ctx, ChannelDevice, map[string]any{
		"operationName": "Query",
		"variables":     map[string]any{"deviceId": deviceID},
		"query":         queryDeviceState,
	})
	if err != nil {
		return nil, err
	}
	var state struct {
		Reported string `json:"reported"`
	}
	if err := json.Unmarshal(data["getDeviceState"], &state); err != nil {
		return nil, fmt.Errorf("%w: decode device state: %v", ErrConnection, err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(state.Reported), &fields); err != nil {
		return nil, fmt.Errorf("%w: decode reported state: %v", ErrConnection, err)
	}
	return fields, nil
}

// GetLatestTelemetry returns the device's most recent telemetry sample,
// with the envelope timestamp and type folded into the field map.
func (c *Client) GetLatestTelemetry(ctx context.Context, deviceID string) (map[string]any, error) {
	data, err := c.graphql(ctx, ChannelData, map[string]any{
		"operationName": "Query",
		"variables":     map[string]any{"deviceId": deviceID},
		"query":         queryLatestData,
	})
	if err != nil {
		return nil, err
	}
	var latest struct {
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(data["getLatestData"], &latest); err != nil {
		return nil, fmt.Errorf("%w: decode latest data: %v", ErrConnection, err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(latest.Data), &fields); err != nil {
		return nil, fmt.Errorf("%w: decode telemetry payload: %v", ErrConnection, err)
	}
	fields["timestamp"] = latest.Timestamp
	fields["type"] = latest.Type
	return fields, nil
}

// RequestStateChange sends a state-change mutation carrying only the
// changed fields.
func (c *Client) RequestStateChange(ctx context.Context, deviceID string, fields map[string]any) error {
	state, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	_, err = c.graphql(ctx, ChannelDevice, map[string]any{
		"operationName": "Mutation",
		"variables": map[string]any{
			"deviceId":     deviceID,
			"state":        string(state),
			"getFullState": false,
		},
		"query": mutationStateChange,
	})
	return err
}

// WebsocketEndpoint derives the realtime socket URL and signing host for a
// channel from its discovered GraphQL endpoint.
func (c *Client) WebsocketEndpoint(ctx context.Context, channel string) (WSEndpoint, error) {
	eps, err := c.Endpoints(ctx)
	if err != nil {
		return WSEndpoint{}, err
	}
	ep, ok := eps[channel]
	if !ok {
		return WSEndpoint{}, fmt.Errorf("%w: unknown channel %q", ErrConnection, channel)
	}
	m := appsyncRealtimeRe.FindStringSubmatch(ep.Endpoint)
	if m == nil {
		return WSEndpoint{}, fmt.Errorf("%w: endpoint %q is not an AppSync URL", ErrConnection, ep.Endpoint)
	}
	return WSEndpoint{
		URL:  fmt.Sprintf("wss://%s.appsync-realtime-api.%s/graphql", m[1], m[2]),
		Host: fmt.Sprintf("%s.appsync-api.%s", m[1], m[2]),
	}, nil
}

// ConnectURL builds the fully authenticated realtime connection URL: the
// header query parameter is base64 of {"Authorization","host"} and the
// payload parameter is base64 of an empty object.
func (c *Client) ConnectURL(ctx context.Context, channel string) (WSEndpoint, string, error) {
	ws, err := c.WebsocketEndpoint(ctx, channel)
	if err != nil {
		return WSEndpoint{}, "", err
	}
	idToken, err := c.IDToken(ctx)
	if err != nil {
		return WSEndpoint{}, "", err
	}
	header, err := json.Marshal(map[string]string{
		"Authorization": idToken,
		"host":          ws.Host,
	})
	if err != nil {
		return WSEndpoint{}, "", fmt.Errorf("marshal ws header: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(header)
	full := fmt.Sprintf("%s?header=%s&payload=e30=", ws.URL, url.QueryEscape(encoded))
	return ws, full, nil
}

// IDToken exposes the underlying token source for subscription auth
// extensions.
func (c *Client) IDToken(ctx context.Context) (string, error) {
	return c.tokens.IDToken(ctx)
}
