// Package googleiot adapts the Cloud IoT Core device manager API.
package googleiot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"device-sync-backend/internal/provider"
)

const (
	DefaultBaseURL   = "https://cloudiot.googleapis.com/v1"
	scope            = "https://www.googleapis.com/auth/cloudiot"
	pageSize         = 100
	defaultStaleness = 5 * time.Minute

	metaName     = "name"
	metaSerial   = "serial_number"
	metaFirmware = "firmware_version"
	metaType     = "device_type"
)

var deviceIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9+.%~_-]`)

type Adapter struct {
	registryURL string
	client      *http.Client
	staleness   time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// New builds a Cloud IoT adapter. The credential is either a service account
// key file or {"access_token": "..."}; the integration must carry
// "project_id", "region" and "registry_id" settings.
func New(cfg provider.Config) (provider.Adapter, error) {
	ts, err := tokenSource(cfg.Credential)
	if err != nil {
		return nil, err
	}
	project := cfg.Integration.Setting("project_id", "")
	region := cfg.Integration.Setting("region", "")
	registry := cfg.Integration.Setting("registry_id", "")
	if project == "" || region == "" || registry == "" {
		return nil, fmt.Errorf("%w: google integration needs project_id, region and registry_id", provider.ErrBadCredential)
	}

	base := cfg.Client()
	client := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
		Timeout:   base.Timeout,
	}

	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	return &Adapter{
		registryURL: fmt.Sprintf("%s/projects/%s/locations/%s/registries/%s",
			strings.TrimRight(cfg.BaseURL(DefaultBaseURL), "/"),
			url.PathEscape(project), url.PathEscape(region), url.PathEscape(registry)),
		client:    client,
		staleness: staleness,
		now:       cfg.Clock(),
		log:       cfg.Logger,
	}, nil
}

func tokenSource(credential []byte) (oauth2.TokenSource, error) {
	var probe struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(credential, &probe); err != nil {
		return nil, fmt.Errorf("%w: google credential: %v", provider.ErrBadCredential, err)
	}
	if probe.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: probe.AccessToken, TokenType: "Bearer"}), nil
	}
	jwtCfg, err := google.JWTConfigFromJSON(credential, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: google service account: %v", provider.ErrBadCredential, err)
	}
	return jwtCfg.TokenSource(context.Background()), nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindGoogleIoT }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Export: true}
}

type device struct {
	ID                string            `json:"id"`
	Name              string            `json:"name,omitempty"`
	NumID             string            `json:"numId,omitempty"`
	Blocked           bool              `json:"blocked,omitempty"`
	LastHeartbeatTime *time.Time        `json:"lastHeartbeatTime,omitempty"`
	LastEventTime     *time.Time        `json:"lastEventTime,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type listResponse struct {
	Devices       []device `json:"devices"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
}

// ListDevices follows nextPageToken until the registry is exhausted.
func (a *Adapter) ListDevices(ctx context.Context) (*provider.Listing, error) {
	listing := &provider.Listing{}
	token := ""
	now := a.now()
	for {
		page, err := a.listPage(ctx, token, pageSize)
		if err != nil {
			return nil, err
		}
		for _, d := range page.Devices {
			listing.Devices = append(listing.Devices, a.toRemote(d, now))
		}
		if page.NextPageToken == "" {
			return listing, nil
		}
		token = page.NextPageToken
	}
}

func (a *Adapter) listPage(ctx context.Context, token string, size int) (*listResponse, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(size))
	q.Set("fieldMask", "metadata,lastHeartbeatTime,lastEventTime,blocked")
	if token != "" {
		q.Set("pageToken", token)
	}
	var out listResponse
	if err := a.do(ctx, http.MethodGet, a.registryURL+"/devices?"+q.Encode(), nil, "list devices", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertDevice creates the device or replaces its metadata.
func (a *Adapter) UpsertDevice(ctx context.Context, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	meta := metadataFor(rd)
	var out device
	if rd.ExternalID == "" {
		id := deviceID(rd)
		if id == "" {
			return provider.RemoteDevice{}, fmt.Errorf("google create device: device has neither serial number nor name")
		}
		if err := a.do(ctx, http.MethodPost, a.registryURL+"/devices", device{ID: id, Metadata: meta}, "create device", &out); err != nil {
			return provider.RemoteDevice{}, err
		}
	} else {
		target := a.registryURL + "/devices/" + url.PathEscape(rd.ExternalID) + "?updateMask=metadata"
		if err := a.do(ctx, http.MethodPatch, target, device{Metadata: meta}, "update device", &out); err != nil {
			return provider.RemoteDevice{}, err
		}
		if out.ID == "" {
			out.ID = rd.ExternalID
		}
	}
	return a.toRemote(out, a.now()), nil
}

// Test lists a single device.
func (a *Adapter) Test(ctx context.Context) error {
	_, err := a.listPage(ctx, "", 1)
	return err
}

func (a *Adapter) do(ctx context.Context, method, target string, body any, op string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal google payload: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create google request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("google %s: %w", op, err)
	}
	return provider.DecodeResponse(provider.KindGoogleIoT, op, resp, out)
}

func (a *Adapter) toRemote(d device, now time.Time) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:      d.ID,
		Name:            d.ID,
		SerialNumber:    d.Metadata[metaSerial],
		FirmwareVersion: d.Metadata[metaFirmware],
		DeviceType:      d.Metadata[metaType],
		LastSeenOnline:  latest(d.LastHeartbeatTime, d.LastEventTime),
	}
	if n := d.Metadata[metaName]; n != "" {
		rd.Name = n
	}
	for k, v := range d.Metadata {
		switch k {
		case metaName, metaSerial, metaFirmware, metaType:
			continue
		}
		if rd.Metadata == nil {
			rd.Metadata = make(map[string]any)
		}
		rd.Metadata[k] = v
	}
	switch {
	case d.Blocked:
		rd.Status = "blocked"
	case provider.Online(rd.LastSeenOnline, now, a.staleness):
		rd.Status = "online"
	default:
		rd.Status = "offline"
	}
	return rd
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

func metadataFor(rd provider.RemoteDevice) map[string]string {
	meta := make(map[string]string)
	for k, v := range rd.Metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	if rd.Name != "" {
		meta[metaName] = rd.Name
	}
	if rd.SerialNumber != "" {
		meta[metaSerial] = rd.SerialNumber
	}
	if rd.DeviceType != "" {
		meta[metaType] = rd.DeviceType
	}
	return meta
}

// deviceID derives an id that satisfies Cloud IoT's naming rules, which
// require a leading letter.
func deviceID(rd provider.RemoteDevice) string {
	base := rd.SerialNumber
	if base == "" {
		base = rd.Name
	}
	id := deviceIDUnsafe.ReplaceAllString(base, "-")
	if id == "" {
		return ""
	}
	if c := id[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		id = "d" + id
	}
	return id
}
