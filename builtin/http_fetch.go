package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolmesh/toolmesh/tool"
)

// HTTPFetchOptions configures the http_fetch tool.
type HTTPFetchOptions struct {
	// Client performs the requests. Defaults to a client with sane timeouts;
	// tests inject their own.
	Client *http.Client
	// MaxBodyBytes caps how much of the response body is returned.
	MaxBodyBytes int64
}

// HTTPFetch returns a tool that GETs a URL and returns status plus body. The
// network is exactly the kind of unreliable dependency the breaker exists
// for, so connection failures and 5xx responses are marked transient.
func HTTPFetch(optFns ...func(o *HTTPFetchOptions)) tool.Tool {
	opts := HTTPFetchOptions{
		Client:       &http.Client{Timeout: 15 * time.Second},
		MaxBodyBytes: 1 << 20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return tool.NewFuncTool(
		tool.Descriptor{
			Name:        "http_fetch",
			Description: "Fetch a URL over HTTP GET and return the status and body",
			Tags:        []string{"network"},
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "URL to fetch"},
				},
				"required": []string{"url"},
			},
			Timeout:    20 * time.Second,
			Idempotent: true,
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, tool.NewToolError("http_fetch", fmt.Sprintf("bad url %q: %v", url, err), "BAD_ARGUMENT")
			}

			resp, err := opts.Client.Do(req)
			if err != nil {
				return nil, tool.Transient(fmt.Errorf("http_fetch: %w", err))
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBodyBytes))
			if err != nil {
				return nil, tool.Transient(fmt.Errorf("http_fetch: reading body: %w", err))
			}

			if resp.StatusCode >= 500 {
				return nil, tool.Transient(fmt.Errorf("http_fetch: upstream returned %d", resp.StatusCode))
			}

			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
	)
}
