// Package httpmisc contains options that are common to a few places that use HTTP.
package httpmisc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const ClientTimeout = 10 * time.Second

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 16 << 20

func GetWithContextWithClient(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return client.Do(req)
}

// PostJSONWithClient posts `body` encoded as JSON.
func PostJSONWithClient(ctx context.Context, client *http.Client, url string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// ResourceError marks a response that will not improve on retry, e.g.
// a 404 for an unknown resource.
type ResourceError struct {
	// Note: .error is the implementation of .Error, .Unwrap etc. It is not
	// in the Unwrap chain. Use something like
	// `ResourceError{fmt.Errorf("...: %w", err)}` to set up an
	// instance with `err` in the Unwrap chain.
	error
}

func (err ResourceError) Is(target error) bool {
	if _, ok := target.(ResourceError); ok {
		return true
	}
	return false
}

// ResponseOK classifies a response status. 5xx and 429 yield a plain
// (retryable) error, other non-200 statuses a ResourceError. The body is
// closed whenever an error is returned.
func ResponseOK(resp *http.Response) error {
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("HTTP closing body due to HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("HTTP closing body: %w", err)
		}
		return ResourceError{fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return nil
}

// GetJSON fetches url and decodes a 200 response body into out.
func GetJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	resp, err := GetWithContextWithClient(ctx, client, url)
	if err != nil {
		return err
	}
	if err = ResponseOK(resp); err != nil {
		return err
	}
	defer resp.Body.Close()
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return ResourceError{fmt.Errorf("decoding response from %s: %w", url, err)}
	}
	return nil
}
