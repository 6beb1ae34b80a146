// Package networking wraps *http.Client with the shared fetch behavior used
// for key-set retrieval.
package networking

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 5 * time.Second
	maxRedirects   = 3
)

// OK represents types capable of validating themselves.
type OK interface {
	OK() error
}

// HTTPClient provides a wrapper for *http.Client to abstract shared responsibilities
type HTTPClient struct {
	Client *http.Client
}

// New creates a new HTTPClient with a bounded timeout and a conservative
// redirect policy.
func New(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		&http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Do performs an HTTP request, decodes and validates the response
func (c *HTTPClient) Do(req *http.Request, status int, v OK) error {
	req.Header.Set("Accept", "application/json")

	res, err := c.Client.Do(req)
	if err != nil {
		zap.L().Info("Request failed", zap.String("url", req.URL.String()), zap.Error(err))
		return err
	}

	defer res.Body.Close()

	// Check status code
	if res.StatusCode != status {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		zap.L().Info("Unexpected response for request.",
			zap.String("url", req.URL.String()),
			zap.Int("status", res.StatusCode),
			zap.String("response_body", string(body)))
		return fmt.Errorf("unexpected response for request to %s | status code: %d | body %s", req.URL.String(), res.StatusCode, string(body))
	}

	// Decode response
	if err := decodeJSON(res, v); err != nil {
		zap.L().Info("Unexpected response for request.", zap.String("url", req.URL.String()), zap.Int("status", res.StatusCode))
		return err
	}

	return nil
}

// decodeJSON parses a JSON body and calls validate
func decodeJSON(r *http.Response, v OK) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		zap.L().Debug("Could not parse response body.", zap.Error(err))
		return err
	}
	return v.OK()
}

// Retry provides a recursive function retry implementation
func Retry(attempts int, sleep time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	res, err := fn()
	if err != nil {
		attempts--
		if attempts > 0 {
			zap.L().Debug("Call failed, retrying.", zap.Int("attempts", attempts))
			time.Sleep(sleep)
			return Retry(attempts, 2*sleep, fn)
		}
		return nil, err
	}
	return res, nil
}
