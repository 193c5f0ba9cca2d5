// Package provider defines the contract every remote registry adapter
// implements and the canonical device shape they all produce.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/model"
)

// Kind identifies a supported remote platform.
type Kind string

const (
	KindGolioth   Kind = "golioth"
	KindAWSIoT    Kind = "aws_iot"
	KindAzureIoT  Kind = "azure_iot"
	KindGoogleIoT Kind = "google_iot"
	KindMQTT      Kind = "mqtt"
)

// ParseKind validates s against the closed set of supported kinds.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGolioth, KindAWSIoT, KindAzureIoT, KindGoogleIoT, KindMQTT:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// RemoteDevice is the provider-agnostic projection of a registry entry.
type RemoteDevice struct {
	ExternalID      string         `json:"external_id"`
	Name            string         `json:"name"`
	SerialNumber    string         `json:"serial_number,omitempty"`
	DeviceType      string         `json:"device_type,omitempty"`
	HardwareIDs     []string       `json:"hardware_ids,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	LastSeenOnline  *time.Time     `json:"last_seen_online,omitempty"`
	CohortID        string         `json:"cohort_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Status          string         `json:"status,omitempty"`
}

// Capabilities describes optional features of a platform. Callers branch on
// these instead of expecting adapters to fail.
type Capabilities struct {
	FirmwareManagement bool `json:"supports_firmware_management"`
	Tags               bool `json:"supports_tags"`
	Cohorts            bool `json:"supports_cohorts"`
	Export             bool `json:"supports_export"`
}

// ItemFailure is a single device that could not be read during a listing.
type ItemFailure struct {
	ExternalID string
	Err        error
}

// Listing is the result of reading a remote inventory. Failures holds items
// that could not be read; Devices holds everything else.
type Listing struct {
	Devices  []RemoteDevice
	Failures []ItemFailure
}

// Adapter is implemented once per remote platform.
type Adapter interface {
	Kind() Kind
	Capabilities() Capabilities
	ListDevices(ctx context.Context) (*Listing, error)
	UpsertDevice(ctx context.Context, device RemoteDevice) (RemoteDevice, error)
	Test(ctx context.Context) error
}

// Config is everything an adapter may be built from. Credential holds the
// decrypted secret and must not be retained beyond construction needs.
type Config struct {
	Integration *model.Integration
	Credential  []byte
	HTTP        HTTPOptions
	// HTTPClient overrides the client built from HTTP.
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Staleness   time.Duration
	MQTTCollect time.Duration
	Now         func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Clock returns the configured clock.
func (c Config) Clock() func() time.Time { return c.now }

// Client returns HTTPClient when set, otherwise a retrying, rate limited
// client built from HTTP.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return NewHTTPClient(c.HTTP, c.Logger)
}

// BaseURL returns the integration's endpoint or fallback when unset.
func (c Config) BaseURL(fallback string) string {
	if c.Integration != nil && c.Integration.BaseURL != "" {
		return c.Integration.BaseURL
	}
	return fallback
}

// Factory builds an adapter for one integration.
type Factory func(cfg Config) (Adapter, error)

// Registry dispatches integration kinds to adapter factories.
type Registry struct {
	factories map[Kind]Factory
}

func NewRegistry(factories map[Kind]Factory) *Registry {
	r := &Registry{factories: make(map[Kind]Factory, len(factories))}
	for k, f := range factories {
		r.factories[k] = f
	}
	return r
}

// New builds the adapter for cfg.Integration.
func (r *Registry) New(cfg Config) (Adapter, error) {
	if cfg.Integration == nil {
		return nil, fmt.Errorf("%w: no integration", ErrUnknownKind)
	}
	kind, err := ParseKind(cfg.Integration.Kind)
	if err != nil {
		return nil, err
	}
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no adapter", ErrUnknownKind, kind)
	}
	cfg.Logger = cfg.Logger.With().Str("provider", string(kind)).Logger()
	return factory(cfg)
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Online reports whether lastSeen falls within staleness of now.
func Online(lastSeen *time.Time, now time.Time, staleness time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= staleness
}
