// Package mqtt treats retained device state topics on a broker as a device
// registry.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"device-sync-backend/internal/provider"
)

const (
	DefaultTopicPrefix = "netneural"
	defaultCollect     = 2 * time.Second
	stateQoS           = 1
)

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// state is the retained payload published per device.
type state struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SerialNumber    string         `json:"serial_number,omitempty"`
	DeviceType      string         `json:"device_type,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	LastSeen        *time.Time     `json:"last_seen,omitempty"`
	CohortID        string         `json:"cohort_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Status          string         `json:"status,omitempty"`
}

type credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Adapter struct {
	broker  BrokerOptions
	prefix  string
	collect time.Duration
	dial    Dialer
	log     zerolog.Logger
}

// New builds an adapter with the Paho dialer.
func New(cfg provider.Config) (provider.Adapter, error) {
	return NewWithDialer(cfg, DialPaho)
}

// NewWithDialer builds an adapter that opens sessions through dial. The
// integration's base URL is the broker URL; the credential is an optional
// {"username","password"} document.
func NewWithDialer(cfg provider.Config, dial Dialer) (*Adapter, error) {
	brokerURL := cfg.BaseURL("")
	if brokerURL == "" {
		return nil, fmt.Errorf("%w: mqtt integration has no broker url", provider.ErrBadCredential)
	}
	var c credential
	if len(cfg.Credential) > 0 {
		if err := json.Unmarshal(cfg.Credential, &c); err != nil {
			return nil, fmt.Errorf("%w: mqtt credential: %v", provider.ErrBadCredential, err)
		}
	}
	collect := cfg.MQTTCollect
	if collect <= 0 {
		collect = defaultCollect
	}
	return &Adapter{
		broker: BrokerOptions{
			URL:      brokerURL,
			ClientID: cfg.Integration.Setting("client_id", "device-sync-"+uuid.NewString()[:8]),
			Username: c.Username,
			Password: c.Password,
		},
		prefix:  strings.Trim(cfg.Integration.Setting("topic_prefix", DefaultTopicPrefix), "/"),
		collect: collect,
		dial:    dial,
		log:     cfg.Logger,
	}, nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindMQTT }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Export: true}
}

func (a *Adapter) stateTopic(id string) string {
	return fmt.Sprintf("%s/devices/%s/state", a.prefix, id)
}

// ListDevices subscribes to every device state topic and gathers retained
// messages for the collect window. Undecodable payloads are reported as
// per-device failures.
func (a *Adapter) ListDevices(ctx context.Context) (*provider.Listing, error) {
	conn, err := a.dial(ctx, a.broker)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var (
		mu       sync.Mutex
		states   = make(map[string]state)
		failures = make(map[string]error)
	)
	wildcard := a.stateTopic("+")
	err = conn.Subscribe(wildcard, stateQoS, func(topic string, payload []byte) {
		id := a.deviceIDFromTopic(topic)
		if id == "" || len(payload) == 0 {
			return
		}
		var s state
		mu.Lock()
		defer mu.Unlock()
		if err := json.Unmarshal(payload, &s); err != nil {
			failures[id] = fmt.Errorf("invalid state payload on %s: %w", topic, err)
			delete(states, id)
			return
		}
		delete(failures, id)
		states[id] = s
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(a.collect)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	if err := conn.Unsubscribe(wildcard); err != nil {
		a.log.Warn().Err(err).Msg("failed to unsubscribe from device state topics")
	}

	mu.Lock()
	defer mu.Unlock()
	listing := &provider.Listing{}
	for id, s := range states {
		listing.Devices = append(listing.Devices, toRemote(id, s))
	}
	for id, err := range failures {
		listing.Failures = append(listing.Failures, provider.ItemFailure{ExternalID: id, Err: err})
	}
	sort.Slice(listing.Devices, func(i, j int) bool { return listing.Devices[i].ExternalID < listing.Devices[j].ExternalID })
	return listing, nil
}

// UpsertDevice publishes the device's retained state.
func (a *Adapter) UpsertDevice(ctx context.Context, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	id := rd.ExternalID
	if id == "" {
		base := rd.SerialNumber
		if base == "" {
			base = rd.Name
		}
		id = topicUnsafe.ReplaceAllString(base, "_")
	}
	if id == "" {
		return provider.RemoteDevice{}, fmt.Errorf("mqtt publish state: device has neither serial number nor name")
	}
	rd.ExternalID = id

	payload, err := json.Marshal(state{
		ID:              id,
		Name:            rd.Name,
		SerialNumber:    rd.SerialNumber,
		DeviceType:      rd.DeviceType,
		FirmwareVersion: rd.FirmwareVersion,
		LastSeen:        rd.LastSeenOnline,
		CohortID:        rd.CohortID,
		Tags:            rd.Tags,
		Metadata:        rd.Metadata,
		Status:          rd.Status,
	})
	if err != nil {
		return provider.RemoteDevice{}, fmt.Errorf("failed to marshal mqtt state: %w", err)
	}

	conn, err := a.dial(ctx, a.broker)
	if err != nil {
		return provider.RemoteDevice{}, err
	}
	defer conn.Close()
	if err := conn.Publish(a.stateTopic(id), stateQoS, true, payload); err != nil {
		return provider.RemoteDevice{}, err
	}
	return rd, nil
}

// Test opens and closes a broker session.
func (a *Adapter) Test(ctx context.Context) error {
	conn, err := a.dial(ctx, a.broker)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func (a *Adapter) deviceIDFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, a.prefix+"/devices/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/state")
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func toRemote(id string, s state) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:      id,
		Name:            s.Name,
		SerialNumber:    s.SerialNumber,
		DeviceType:      s.DeviceType,
		FirmwareVersion: s.FirmwareVersion,
		LastSeenOnline:  s.LastSeen,
		CohortID:        s.CohortID,
		Tags:            s.Tags,
		Metadata:        s.Metadata,
		Status:          s.Status,
	}
	if rd.Name == "" {
		rd.Name = id
	}
	return rd
}
