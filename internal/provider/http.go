package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// maxErrorBody caps how much of a failed response is read into the error.
const maxErrorBody = 64 << 10

// PostJSON sends body to url and returns the open response on 2xx. Any
// other outcome is an UpstreamProviderError; the response is closed.
func PostJSON(ctx context.Context, client *http.Client, p canonical.Provider, url string, headers http.Header, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", p, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &canonical.UpstreamProviderError{Provider: p, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &canonical.UpstreamProviderError{Provider: p, Code: resp.StatusCode, Message: ErrorMessage(raw)}
	}
	return resp, nil
}

// DecodeJSON reads a successful response into v and closes it.
func DecodeJSON(p canonical.Provider, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &canonical.UpstreamProviderError{Provider: p, Code: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

// ErrorMessage pulls the human-readable message out of a vendor error
// body, falling back to the raw text.
func ErrorMessage(raw []byte) string {
	for _, path := range []string{"error.message", "message", "error", "0.error.message"} {
		if r := gjson.GetBytes(raw, path); r.Exists() && r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return strings.TrimSpace(string(raw))
}

// ParseArguments returns the arguments as a JSON object suitable for
// vendors that take structured input. Empty or invalid text becomes {}.
func ParseArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}
