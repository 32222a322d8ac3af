package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

const (
	defaultEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	upstreamName    = "gemini"
)

// Client calls the Gemini Cloud Assist internal API.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a Client. An empty endpoint selects the default Cloud Assist
// endpoint; a nil http client uses http.DefaultClient.
func New(endpoint string, client *http.Client) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), http: client}
}

func (c *Client) accountEndpoint(account *gateway.Account) string {
	if override := account.APIEndpoint(); override != "" {
		return strings.TrimRight(override, "/")
	}
	return c.endpoint
}

// Stream translates the request for the given account and returns a channel
// of decoded events. The account must carry a discovered project id; use
// LoadProject first when it does not.
func (c *Client) Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error) {
	project := account.ProjectID()
	if project == "" {
		return nil, fmt.Errorf("%w: account %s has no project id", gateway.ErrBadRequest, account.ID)
	}

	gReq, err := translateRequest(req, project)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := c.accountEndpoint(account) + "/v1internal:streamGenerateContent?alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	applyHeaders(httpReq, auth)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstream.ParseAPIError(upstreamName, resp)
	}

	ch := make(chan gateway.StreamEvent, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// LoadProject discovers the cloud project backing the account via
// loadCodeAssist. Called once per account; the result is persisted in the
// account's Other bag.
func (c *Client) LoadProject(ctx context.Context, account *gateway.Account, auth http.Header) (string, error) {
	body := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)
	u := c.accountEndpoint(account) + "/v1internal:loadCodeAssist"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", err)
	}
	applyHeaders(httpReq, auth)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", upstream.ParseAPIError(upstreamName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}
	project := gjson.GetBytes(respBody, "cloudaicompanionProject").String()
	if project == "" {
		return "", fmt.Errorf("%w: loadCodeAssist returned no project id", gateway.ErrUpstreamUnavailable)
	}
	return project, nil
}

// FetchAvailableModels returns the raw model/quota listing for the
// account's project. The quota sync worker distils it into the ledger.
func (c *Client) FetchAvailableModels(ctx context.Context, account *gateway.Account, auth http.Header) (json.RawMessage, error) {
	project := account.ProjectID()
	if project == "" {
		return nil, fmt.Errorf("%w: account %s has no project id", gateway.ErrBadRequest, account.ID)
	}

	body, _ := json.Marshal(map[string]string{"project": project})
	u := c.accountEndpoint(account) + "/v1internal:fetchAvailableModels"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	applyHeaders(httpReq, auth)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, upstream.ParseAPIError(upstreamName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return respBody, nil
}

func applyHeaders(req *http.Request, auth http.Header) {
	for k, vs := range auth {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}
