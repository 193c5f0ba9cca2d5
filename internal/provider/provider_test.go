package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-sync-backend/internal/logger"
	"device-sync-backend/internal/model"
)

type stubAdapter struct {
	kind Kind
	cfg  Config
}

func (s *stubAdapter) Kind() Kind                 { return s.kind }
func (s *stubAdapter) Capabilities() Capabilities { return Capabilities{} }
func (s *stubAdapter) Test(context.Context) error { return nil }
func (s *stubAdapter) ListDevices(context.Context) (*Listing, error) {
	return &Listing{}, nil
}
func (s *stubAdapter) UpsertDevice(_ context.Context, d RemoteDevice) (RemoteDevice, error) {
	return d, nil
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("azure_iot")
	require.NoError(t, err)
	assert.Equal(t, KindAzureIoT, k)

	_, err = ParseKind("particle")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistry_New(t *testing.T) {
	r := NewRegistry(map[Kind]Factory{
		KindGolioth: func(cfg Config) (Adapter, error) { return &stubAdapter{kind: KindGolioth, cfg: cfg}, nil },
	})

	a, err := r.New(Config{Integration: &model.Integration{Kind: "golioth"}, Logger: logger.NewTestLogger()})
	require.NoError(t, err)
	assert.Equal(t, KindGolioth, a.Kind())

	_, err = r.New(Config{Integration: &model.Integration{Kind: "mqtt"}})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.New(Config{Integration: &model.Integration{Kind: "zigbee"}})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestHTTPError_Categories(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:    ErrAuth,
		http.StatusForbidden:       ErrAuth,
		http.StatusNotFound:        ErrNotFound,
		http.StatusTooManyRequests: ErrThrottled,
	}
	for status, want := range cases {
		err := error(&HTTPError{Provider: KindGolioth, Op: "list", StatusCode: status})
		assert.ErrorIs(t, err, want, "status %d", status)
	}
	assert.Nil(t, errors.Unwrap(&HTTPError{StatusCode: http.StatusBadGateway}))
}

func TestNewHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPOptions{
		MaxRetries:   3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, logger.NewTestLogger())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	var out struct{ OK bool }
	require.NoError(t, DecodeResponse(KindGolioth, "probe", resp, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNewHTTPClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPOptions{MaxRetries: 3, RetryWaitMin: time.Millisecond}, logger.NewTestLogger())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)

	err = DecodeResponse(KindGolioth, "probe", resp, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOnline(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-time.Hour)
	assert.True(t, Online(&recent, now, 5*time.Minute))
	assert.False(t, Online(&old, now, 5*time.Minute))
	assert.False(t, Online(nil, now, 5*time.Minute))
}
