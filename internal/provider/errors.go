package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrUnknownKind   = errors.New("unknown provider kind")
	ErrUnsupported   = errors.New("operation not supported by provider")
	ErrBadCredential = errors.New("malformed provider credential")
	ErrAuth          = errors.New("provider rejected credentials")
	ErrNotFound      = errors.New("remote resource not found")
	ErrThrottled     = errors.New("provider rate limit exceeded")
)

const maxErrorBody = 4 << 10

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Provider   Kind
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Provider, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	}
	return nil
}

// CheckResponse returns an *HTTPError for any non-2xx response.
func CheckResponse(kind Kind, op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{Provider: kind, Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

// DecodeResponse checks the status and decodes a JSON body into out. The
// body is always closed.
func DecodeResponse(kind Kind, op string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := CheckResponse(kind, op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: failed to decode response: %w", kind, op, err)
	}
	return nil
}
