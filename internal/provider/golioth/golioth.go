// Package golioth adapts the Golioth management API.
package golioth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"device-sync-backend/internal/provider"
)

const (
	DefaultBaseURL = "https://api.golioth.io/v1"
	pageSize       = 100
	// Golioth reports firmware per OTA package; "main" is the application image.
	firmwarePackage = "main"
)

type Adapter struct {
	baseURL   string
	projectID string
	apiKey    string
	client    *http.Client
	log       zerolog.Logger
}

// New builds a Golioth adapter. The credential is the project API key and
// the integration must carry a "project_id" setting.
func New(cfg provider.Config) (provider.Adapter, error) {
	apiKey := strings.TrimSpace(string(cfg.Credential))
	if apiKey == "" {
		return nil, fmt.Errorf("%w: golioth api key is empty", provider.ErrBadCredential)
	}
	projectID := cfg.Integration.Setting("project_id", "")
	if projectID == "" {
		return nil, fmt.Errorf("%w: golioth integration has no project_id", provider.ErrBadCredential)
	}
	return &Adapter{
		baseURL:   strings.TrimRight(cfg.BaseURL(DefaultBaseURL), "/"),
		projectID: projectID,
		apiKey:    apiKey,
		client:    cfg.Client(),
		log:       cfg.Logger,
	}, nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindGolioth }

// Capabilities reports firmware management: a pushed firmware version becomes
// the device's desired release.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{FirmwareManagement: true, Tags: true, Cohorts: true, Export: true}
}

type device struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	HardwareIDs []string       `json:"hardwareIds"`
	TagIDs      []string       `json:"tagIds"`
	CohortID    string         `json:"cohortId,omitempty"`
	Status      string         `json:"status,omitempty"`
	Metadata    deviceMetadata `json:"metadata"`
}

type deviceMetadata struct {
	LastReport      *time.Time               `json:"lastReport,omitempty"`
	LastSeenOnline  *time.Time               `json:"lastSeenOnline,omitempty"`
	LastSeenOffline *time.Time               `json:"lastSeenOffline,omitempty"`
	Update          map[string]packageStatus `json:"update,omitempty"`
}

type packageStatus struct {
	Version string `json:"version"`
}

type listResponse struct {
	List    []device `json:"list"`
	Page    int      `json:"page"`
	PerPage int      `json:"perPage"`
	Total   int      `json:"total"`
}

type deviceResponse struct {
	Data device `json:"data"`
}

type writeRequest struct {
	Name        string         `json:"name"`
	HardwareIDs []string       `json:"hardwareIds"`
	TagIDs      []string       `json:"tagIds,omitempty"`
	CohortID    string         `json:"cohortId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ListDevices reads every page of the project's devices. Golioth pages are
// zero-based.
func (a *Adapter) ListDevices(ctx context.Context) (*provider.Listing, error) {
	listing := &provider.Listing{}
	total := 1
	for page := 0; page*pageSize < total; page++ {
		resp, err := a.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if resp.Total == 0 || len(resp.List) == 0 {
			break
		}
		total = resp.Total
		for _, d := range resp.List {
			listing.Devices = append(listing.Devices, toRemote(d))
		}
		a.log.Debug().Int("page", page).Int("total", total).Int("fetched", len(listing.Devices)).Msg("fetched golioth page")
	}
	return listing, nil
}

func (a *Adapter) fetchPage(ctx context.Context, page int) (*listResponse, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("perPage", fmt.Sprint(pageSize))
	req, err := a.newRequest(ctx, http.MethodGet, a.devicesURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("golioth list devices: %w", err)
	}
	var out listResponse
	if err := provider.DecodeResponse(provider.KindGolioth, "list devices", resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertDevice creates the device when it has no external id and patches
// it otherwise. Golioth uses the device name as the serial number.
func (a *Adapter) UpsertDevice(ctx context.Context, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	name := rd.SerialNumber
	if name == "" {
		name = rd.Name
	}
	body := writeRequest{
		Name:        name,
		HardwareIDs: rd.HardwareIDs,
		TagIDs:      rd.Tags,
		CohortID:    rd.CohortID,
	}
	if body.HardwareIDs == nil {
		body.HardwareIDs = []string{}
	}
	if rd.FirmwareVersion != "" {
		body.Metadata = map[string]any{"desired_release": rd.FirmwareVersion}
	}

	method, target, op := http.MethodPost, a.devicesURL(), "create device"
	if rd.ExternalID != "" {
		method, target, op = http.MethodPatch, a.devicesURL()+"/"+url.PathEscape(rd.ExternalID), "update device"
	}

	req, err := a.newRequest(ctx, method, target, body)
	if err != nil {
		return provider.RemoteDevice{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return provider.RemoteDevice{}, fmt.Errorf("golioth %s: %w", op, err)
	}
	var out deviceResponse
	if err := provider.DecodeResponse(provider.KindGolioth, op, resp, &out); err != nil {
		return provider.RemoteDevice{}, err
	}
	return toRemote(out.Data), nil
}

// Test reads the first page of devices.
func (a *Adapter) Test(ctx context.Context) error {
	_, err := a.fetchPage(ctx, 0)
	return err
}

func (a *Adapter) devicesURL() string {
	return fmt.Sprintf("%s/projects/%s/devices", a.baseURL, url.PathEscape(a.projectID))
}

func (a *Adapter) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var buf *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal golioth payload: %w", err)
		}
		buf = bytes.NewReader(raw)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create golioth request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func toRemote(d device) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:     d.ID,
		Name:           d.Name,
		SerialNumber:   d.Name,
		HardwareIDs:    d.HardwareIDs,
		CohortID:       d.CohortID,
		Tags:           d.TagIDs,
		Status:         d.Status,
		LastSeenOnline: d.Metadata.LastSeenOnline,
	}
	if rd.LastSeenOnline == nil {
		rd.LastSeenOnline = d.Metadata.LastReport
	}
	if pkg, ok := d.Metadata.Update[firmwarePackage]; ok {
		rd.FirmwareVersion = pkg.Version
	}
	return rd
}
