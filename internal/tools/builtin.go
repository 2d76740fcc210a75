package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// HTTPConfig bounds the built-in http_request tool.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "bearer_token": {"type": "string"},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// RegisterBuiltins adds the node's built-in tools to the registry.
func RegisterBuiltins(r *Registry, cfg HTTPConfig) error {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return r.Register(&Tool{
		Name:        "http_request",
		Description: "Execute an HTTP request against an internal or external endpoint.",
		InputSchema: json.RawMessage(httpRequestSchema),
		Handler:     httpRequestHandler(cfg),
	})
}

func httpRequestHandler(cfg HTTPConfig) Handler {
	client := &http.Client{}
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		rawURL := stringParam(input, "url", "")
		if rawURL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "http_request: missing required param 'url'")
		}
		u, err := url.ParseRequestURI(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http_request: invalid url %q", rawURL)
		}

		method := strings.ToUpper(stringParam(input, "method", "GET"))
		timeout := cfg.DefaultTimeout
		if ts := stringParam(input, "timeout", ""); ts != "" {
			d, err := time.ParseDuration(ts)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "http_request: invalid timeout %q", ts)
			}
			timeout = d
		}

		var bodyReader io.Reader
		var contentType string
		if rawBody, ok := input["body"]; ok && rawBody != nil {
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http_request: marshal body").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http_request: build request").WithCause(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if hdrs, ok := input["headers"].(map[string]any); ok {
			for k, v := range hdrs {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
		if token := stringParam(input, "bearer_token", ""); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if reqCtx.Err() == context.DeadlineExceeded {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http_request: %s %s timed out after %s", method, rawURL, timeout)
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http_request: %s %s failed", method, rawURL).WithCause(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http_request: read response").WithCause(err)
		}

		// JSON responses are decoded so downstream steps can address fields.
		var body any = string(raw)
		if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "application/json") {
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				body = decoded
			}
		}

		if boolParam(input, "fail_on_error_status", false) && resp.StatusCode >= 400 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"http_request: %s %s returned status %d", method, rawURL, resp.StatusCode)
		}

		return map[string]any{
			"status_code":  resp.StatusCode,
			"body":         body,
			"content_type": resp.Header.Get("Content-Type"),
			"duration_ms":  time.Since(start).Milliseconds(),
		}, nil
	}
}

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return defaultVal
}
