package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const VerifyPath = "/api/age-verif/verify"

// HTTPPoster sends the widget token to the gateway's verify endpoint.
type HTTPPoster struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPoster(baseURL string, timeout time.Duration) *HTTPPoster {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPPoster{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPPoster) PostVerify(ctx context.Context, req VerifyRequest) (*VerifyReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+VerifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	reply := &VerifyReply{StatusCode: resp.StatusCode}
	parsed := gjson.ParseBytes(data)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reply.Error = parsed.Get("error").String()
		if reply.Error == "" {
			reply.Error = strings.TrimSpace(string(data))
		}
		return reply, nil
	}
	reply.OK = parsed.Get("ok").Bool()
	return reply, nil
}
