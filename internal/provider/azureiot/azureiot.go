// Package azureiot adapts the Azure IoT Hub service REST API.
package azureiot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/provider"
)

const (
	apiVersion    = "2021-04-12"
	pageSize      = 100
	tokenLifetime = time.Hour
	devicesQuery  = "SELECT * FROM devices"
)

var deviceIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\-.%_*?!(),:=@$']`)

type Adapter struct {
	conn    connectionString
	baseURL string
	client  *http.Client
	now     func() time.Time
	log     zerolog.Logger
}

// New builds an IoT Hub adapter from a service connection string.
func New(cfg provider.Config) (provider.Adapter, error) {
	conn, err := parseConnectionString(string(cfg.Credential))
	if err != nil {
		return nil, err
	}
	return &Adapter{
		conn:    conn,
		baseURL: strings.TrimRight(cfg.BaseURL("https://"+conn.HostName), "/"),
		client:  cfg.Client(),
		now:     cfg.Clock(),
		log:     cfg.Logger,
	}, nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindAzureIoT }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{FirmwareManagement: true, Tags: true, Cohorts: true, Export: true}
}

type twin struct {
	DeviceID         string         `json:"deviceId"`
	Status           string         `json:"status,omitempty"`
	ConnectionState  string         `json:"connectionState,omitempty"`
	LastActivityTime *time.Time     `json:"lastActivityTime,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
	Properties       struct {
		Desired  map[string]any `json:"desired,omitempty"`
		Reported map[string]any `json:"reported,omitempty"`
	} `json:"properties"`
}

type twinPatch struct {
	Tags       map[string]any `json:"tags,omitempty"`
	Properties *struct {
		Desired map[string]any `json:"desired"`
	} `json:"properties,omitempty"`
}

// ListDevices runs a twin query and follows the continuation header.
func (a *Adapter) ListDevices(ctx context.Context) (*provider.Listing, error) {
	listing := &provider.Listing{}
	continuation := ""
	for {
		twins, next, err := a.queryPage(ctx, continuation, pageSize)
		if err != nil {
			return nil, err
		}
		for _, t := range twins {
			listing.Devices = append(listing.Devices, toRemote(t))
		}
		if next == "" {
			return listing, nil
		}
		continuation = next
	}
}

func (a *Adapter) queryPage(ctx context.Context, continuation string, max int) ([]twin, string, error) {
	req, err := a.newRequest(ctx, http.MethodPost, "/devices/query", map[string]string{"query": devicesQuery})
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("x-ms-max-item-count", fmt.Sprint(max))
	if continuation != "" {
		req.Header.Set("x-ms-continuation", continuation)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("azure query devices: %w", err)
	}
	next := resp.Header.Get("x-ms-continuation")
	var twins []twin
	if err := provider.DecodeResponse(provider.KindAzureIoT, "query devices", resp, &twins); err != nil {
		return nil, "", err
	}
	return twins, next, nil
}

// UpsertDevice registers the device identity when needed and then patches
// its twin tags and desired firmware.
func (a *Adapter) UpsertDevice(ctx context.Context, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	id := rd.ExternalID
	if id == "" {
		id = deviceID(rd)
		if id == "" {
			return provider.RemoteDevice{}, fmt.Errorf("azure create device: device has neither serial number nor name")
		}
		if err := a.createIdentity(ctx, id); err != nil {
			return provider.RemoteDevice{}, err
		}
	}

	req, err := a.newRequest(ctx, http.MethodPatch, "/twins/"+url.PathEscape(id), patchFor(rd))
	if err != nil {
		return provider.RemoteDevice{}, err
	}
	req.Header.Set("If-Match", "*")
	resp, err := a.client.Do(req)
	if err != nil {
		return provider.RemoteDevice{}, fmt.Errorf("azure update twin: %w", err)
	}
	var updated twin
	if err := provider.DecodeResponse(provider.KindAzureIoT, "update twin", resp, &updated); err != nil {
		return provider.RemoteDevice{}, err
	}
	if updated.DeviceID == "" {
		rd.ExternalID = id
		return rd, nil
	}
	return toRemote(updated), nil
}

func (a *Adapter) createIdentity(ctx context.Context, id string) error {
	req, err := a.newRequest(ctx, http.MethodPut, "/devices/"+url.PathEscape(id), map[string]string{"deviceId": id})
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure create device: %w", err)
	}
	err = provider.DecodeResponse(provider.KindAzureIoT, "create device", resp, nil)
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusConflict || httpErr.StatusCode == http.StatusPreconditionFailed) {
		return nil
	}
	return err
}

// Test runs a one-item twin query.
func (a *Adapter) Test(ctx context.Context) error {
	_, _, err := a.queryPage(ctx, "", 1)
	return err
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal azure payload: %w", err)
		}
	}
	target := a.baseURL + path + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create azure request: %w", err)
	}
	req.Header.Set("Authorization", a.conn.sasToken(a.now().Add(tokenLifetime)))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func toRemote(t twin) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:   t.DeviceID,
		Name:         t.DeviceID,
		Status:       t.ConnectionState,
		SerialNumber: stringValue(t.Tags, "serialNumber"),
		CohortID:     stringValue(t.Tags, "cohort"),
		DeviceType:   stringValue(t.Tags, "deviceType"),
	}
	if n := stringValue(t.Tags, "name"); n != "" {
		rd.Name = n
	}
	if labels, ok := t.Tags["labels"].([]any); ok {
		for _, l := range labels {
			if s, ok := l.(string); ok {
				rd.Tags = append(rd.Tags, s)
			}
		}
	}
	rd.FirmwareVersion = stringValue(t.Properties.Reported, "firmwareVersion")
	// IoT Hub reports the zero time for devices that never connected.
	if t.LastActivityTime != nil && t.LastActivityTime.Year() > 1 {
		rd.LastSeenOnline = t.LastActivityTime
	}
	return rd
}

func patchFor(rd provider.RemoteDevice) twinPatch {
	tags := map[string]any{}
	if rd.Name != "" {
		tags["name"] = rd.Name
	}
	if rd.SerialNumber != "" {
		tags["serialNumber"] = rd.SerialNumber
	}
	if rd.CohortID != "" {
		tags["cohort"] = rd.CohortID
	}
	if rd.DeviceType != "" {
		tags["deviceType"] = rd.DeviceType
	}
	if len(rd.Tags) > 0 {
		tags["labels"] = rd.Tags
	}
	patch := twinPatch{Tags: tags}
	if rd.FirmwareVersion != "" {
		patch.Properties = &struct {
			Desired map[string]any `json:"desired"`
		}{Desired: map[string]any{"firmwareVersion": rd.FirmwareVersion}}
	}
	return patch
}

func stringValue(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func deviceID(rd provider.RemoteDevice) string {
	base := rd.SerialNumber
	if base == "" {
		base = rd.Name
	}
	return deviceIDUnsafe.ReplaceAllString(base, "-")
}
