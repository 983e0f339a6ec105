package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPAdapter executes a tool against a real HTTP upstream. One instance
// serves one tool; the action-to-request mapping is data, not code, so new
// tools are configuration.
type HTTPAdapter struct {
	tool      string
	secretKey string
	client    *http.Client
	build     RequestBuilder
}

// RequestBuilder maps an invocation onto an outbound HTTP request.
type RequestBuilder func(ctx context.Context, req Request) (*http.Request, error)

// NewHTTPAdapter creates a live adapter. client may be nil for a default.
func NewHTTPAdapter(tool, secretKey string, client *http.Client, build RequestBuilder) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{tool: tool, secretKey: secretKey, client: client, build: build}
}

func (a *HTTPAdapter) Tool() string      { return a.tool }
func (a *HTTPAdapter) SecretKey() string { return a.secretKey }

func (a *HTTPAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := a.build(ctx, req)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Status: 400, Message: err.Error()}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Status: 504, Message: "deadline exceeded"}
		}
		return nil, &Error{Kind: KindNetwork, Status: 502, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: 502, Message: err.Error()}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindUpstream5xx, Status: resp.StatusCode, Message: "upstream 5xx"}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindBadRequest, Status: resp.StatusCode, Message: "upstream 4xx"}
	}

	if !json.Valid(body) {
		body, _ = json.Marshal(map[string]string{"raw": string(body)})
	}

	return &Result{
		Status:  resp.StatusCode,
		Body:    body,
		Headers: map[string]string{"Content-Type": resp.Header.Get("Content-Type")},
	}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SerpSearchBuilder maps serpapi:search onto the SerpAPI query endpoint,
// authenticating with the resolved api key.
func SerpSearchBuilder(baseURL string) RequestBuilder {
	return func(ctx context.Context, req Request) (*http.Request, error) {
		var p struct {
			Q string `json:"q"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Q == "" {
			return nil, fmt.Errorf("serpapi search requires a q parameter")
		}
		q := url.Values{"q": {p.Q}, "api_key": {req.Secret}}
		return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/search?"+q.Encode(), nil)
	}
}

// FetchBuilder maps http_fetch:get onto a plain GET of the requested URL.
func FetchBuilder() RequestBuilder {
	return func(ctx context.Context, req Request) (*http.Request, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.URL == "" {
			return nil, fmt.Errorf("http_fetch requires a url parameter")
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	}
}

// PostJSONBuilder maps an action onto a JSON POST to a fixed endpoint with
// bearer auth, covering llm_chat:complete and gmail_send:send upstreams.
func PostJSONBuilder(endpoint string) RequestBuilder {
	return func(ctx context.Context, req Request) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			bytes.NewReader(req.Params))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.Secret != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Secret)
		}
		return httpReq, nil
	}
}
