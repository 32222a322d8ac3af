package codewhisperer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

const (
	defaultEndpoint = "https://q.us-east-1.amazonaws.com/"
	amzTarget       = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	upstreamName    = "codewhisperer"
)

// Client calls the Amazon Q GenerateAssistantResponse API and decodes its
// binary event stream.
type Client struct {
	endpoint string
	http     *http.Client

	// DefaultProfileARN applies to accounts that carry no profileArn of
	// their own. Optional.
	DefaultProfileARN string
}

// New creates a Client. An empty endpoint selects the production Amazon Q
// endpoint; a nil http client uses http.DefaultClient.
func New(endpoint string, client *http.Client) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{endpoint: strings.TrimRight(endpoint, "/") + "/", http: client}
}

// Stream translates the request for the given account, sends it, and returns
// a channel of decoded events. The channel closes when the upstream stream
// ends; a terminal decode or transport failure arrives as an event with Err
// set.
func (c *Client) Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest, opts Options) (<-chan gateway.StreamEvent, error) {
	if opts.ProfileARN == "" {
		opts.ProfileARN = account.ProfileARN()
	}
	if opts.ProfileARN == "" {
		opts.ProfileARN = c.DefaultProfileARN
	}
	cwReq, err := translateRequest(req, opts)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(cwReq)
	if err != nil {
		return nil, fmt.Errorf("codewhisperer: marshal request: %w", err)
	}

	endpoint := c.endpoint
	if override := account.APIEndpoint(); override != "" {
		endpoint = override
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("codewhisperer: create request: %w", err)
	}
	for k, vs := range auth {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.0")
	httpReq.Header.Set("X-Amz-Target", amzTarget)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("codewhisperer: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstream.ParseAPIError(upstreamName, resp)
	}

	ch := make(chan gateway.StreamEvent, 8)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer body.Close()

	parser := NewParser()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				select {
				case ch <- gateway.StreamEvent{Err: fmt.Errorf("codewhisperer: read stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			break
		}
	}

	// Whatever never framed cleanly gets one last rescue pass.
	for _, ev := range parser.Flush() {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}

	select {
	case ch <- gateway.StreamEvent{Kind: gateway.EventAssistantEnd}:
	case <-ctx.Done():
	}
}
