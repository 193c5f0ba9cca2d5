// Package awsiot adapts the AWS IoT Core registry and device shadow APIs.
package awsiot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"device-sync-backend/internal/provider"
)

const (
	controlService = "iot"
	dataService    = "iotdata"
	maxResults     = 250
	shadowWorkers  = 8

	attrName     = "name"
	attrSerial   = "serial_number"
	attrFirmware = "firmware_version"
)

var thingNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9:_-]`)

type credential struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

type Adapter struct {
	endpoint     string
	dataEndpoint string
	region       string
	creds        aws.Credentials
	signer       *v4.Signer
	client       *http.Client
	now          func() time.Time
	log          zerolog.Logger
}

// New builds an AWS IoT adapter. The credential is a JSON access key pair;
// the integration must carry a "region" setting and may carry a
// "data_endpoint" for shadow reads.
func New(cfg provider.Config) (provider.Adapter, error) {
	var c credential
	if err := json.Unmarshal(cfg.Credential, &c); err != nil {
		return nil, fmt.Errorf("%w: aws credential: %v", provider.ErrBadCredential, err)
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return nil, fmt.Errorf("%w: aws access key pair is incomplete", provider.ErrBadCredential)
	}
	region := cfg.Integration.Setting("region", "")
	if region == "" {
		return nil, fmt.Errorf("%w: aws integration has no region", provider.ErrBadCredential)
	}

	return &Adapter{
		endpoint:     strings.TrimRight(cfg.BaseURL(fmt.Sprintf("https://iot.%s.amazonaws.com", region)), "/"),
		dataEndpoint: normalizeEndpoint(cfg.Integration.Setting("data_endpoint", "")),
		region:       region,
		creds: aws.Credentials{
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			SessionToken:    c.SessionToken,
			Source:          "integration",
		},
		signer: v4.NewSigner(),
		client: cfg.Client(),
		now:    cfg.Clock(),
		log:    cfg.Logger,
	}, nil
}

func normalizeEndpoint(ep string) string {
	if ep == "" {
		return ""
	}
	if !strings.Contains(ep, "://") {
		ep = "https://" + ep
	}
	return strings.TrimRight(ep, "/")
}

func (a *Adapter) Kind() provider.Kind { return provider.KindAWSIoT }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{FirmwareManagement: true, Export: true}
}

type thing struct {
	ThingName     string            `json:"thingName"`
	ThingTypeName string            `json:"thingTypeName,omitempty"`
	ThingArn      string            `json:"thingArn,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Version       int64             `json:"version,omitempty"`
}

type listThingsResponse struct {
	Things    []thing `json:"things"`
	NextToken string  `json:"nextToken,omitempty"`
}

type shadowDocument struct {
	State struct {
		Reported map[string]any `json:"reported"`
	} `json:"state"`
	Timestamp int64 `json:"timestamp"`
}

type attributePayload struct {
	Attributes map[string]string `json:"attributes"`
	Merge      bool              `json:"merge,omitempty"`
}

type thingWriteRequest struct {
	ThingTypeName    string           `json:"thingTypeName,omitempty"`
	AttributePayload attributePayload `json:"attributePayload"`
}

// ListDevices pages through ListThings and, when a data endpoint is
// configured, reads each thing's shadow concurrently. A failed shadow read
// drops that thing from the listing and reports it as a failure.
func (a *Adapter) ListDevices(ctx context.Context) (*provider.Listing, error) {
	things, err := a.listThings(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]provider.RemoteDevice, len(things))
	for i, t := range things {
		devices[i] = toRemote(t)
	}
	if a.dataEndpoint == "" {
		return &provider.Listing{Devices: devices}, nil
	}

	var (
		mu       sync.Mutex
		failures []provider.ItemFailure
		failed   = make([]bool, len(things))
		g        errgroup.Group
	)
	g.SetLimit(shadowWorkers)
	for i := range things {
		i := i
		g.Go(func() error {
			doc, err := a.getShadow(ctx, things[i].ThingName)
			switch {
			case errors.Is(err, provider.ErrNotFound):
				return nil
			case err != nil:
				mu.Lock()
				failures = append(failures, provider.ItemFailure{ExternalID: things[i].ThingName, Err: err})
				failed[i] = true
				mu.Unlock()
				return nil
			}
			applyShadow(&devices[i], doc)
			return nil
		})
	}
	_ = g.Wait()

	listing := &provider.Listing{Failures: failures}
	for i, d := range devices {
		if !failed[i] {
			listing.Devices = append(listing.Devices, d)
		}
	}
	if len(failures) > 0 {
		a.log.Warn().Int("failures", len(failures)).Msg("some aws shadows could not be read")
	}
	return listing, nil
}

func (a *Adapter) listThings(ctx context.Context) ([]thing, error) {
	var things []thing
	token := ""
	for {
		q := url.Values{}
		q.Set("maxResults", fmt.Sprint(maxResults))
		if token != "" {
			q.Set("nextToken", token)
		}
		var page listThingsResponse
		if err := a.do(ctx, http.MethodGet, a.endpoint+"/things?"+q.Encode(), nil, controlService, "list things", &page); err != nil {
			return nil, err
		}
		things = append(things, page.Things...)
		if page.NextToken == "" {
			return things, nil
		}
		token = page.NextToken
	}
}

func (a *Adapter) getShadow(ctx context.Context, thingName string) (*shadowDocument, error) {
	var doc shadowDocument
	target := a.dataEndpoint + "/things/" + url.PathEscape(thingName) + "/shadow"
	if err := a.do(ctx, http.MethodGet, target, nil, dataService, "get shadow", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// UpsertDevice creates a thing when the device has no external id, falling
// back to an attribute merge when the thing already exists.
func (a *Adapter) UpsertDevice(ctx context.Context, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	name := rd.ExternalID
	attrs := attributesFor(rd)
	if name != "" {
		return a.updateThing(ctx, name, attrs, rd)
	}

	name = thingName(rd)
	if name == "" {
		return provider.RemoteDevice{}, fmt.Errorf("aws create thing: device has neither serial number nor name")
	}
	body := thingWriteRequest{
		ThingTypeName:    rd.DeviceType,
		AttributePayload: attributePayload{Attributes: attrs},
	}
	err := a.do(ctx, http.MethodPost, a.thingURL(name), body, controlService, "create thing", nil)
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		return a.updateThing(ctx, name, attrs, rd)
	}
	if err != nil {
		return provider.RemoteDevice{}, err
	}
	rd.ExternalID = name
	return rd, nil
}

func (a *Adapter) updateThing(ctx context.Context, name string, attrs map[string]string, rd provider.RemoteDevice) (provider.RemoteDevice, error) {
	body := thingWriteRequest{AttributePayload: attributePayload{Attributes: attrs, Merge: true}}
	if err := a.do(ctx, http.MethodPatch, a.thingURL(name), body, controlService, "update thing", nil); err != nil {
		return provider.RemoteDevice{}, err
	}
	rd.ExternalID = name
	return rd, nil
}

// Test lists a single thing.
func (a *Adapter) Test(ctx context.Context) error {
	var page listThingsResponse
	return a.do(ctx, http.MethodGet, a.endpoint+"/things?maxResults=1", nil, controlService, "list things", &page)
}

func (a *Adapter) thingURL(name string) string {
	return a.endpoint + "/things/" + url.PathEscape(name)
}

func (a *Adapter) do(ctx context.Context, method, target string, body any, service, op string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal aws payload: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create aws request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	sum := sha256.Sum256(payload)
	if err := a.signer.SignHTTP(ctx, a.creds, req, hex.EncodeToString(sum[:]), service, a.region, a.now().UTC()); err != nil {
		return fmt.Errorf("failed to sign aws request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("aws %s: %w", op, err)
	}
	return provider.DecodeResponse(provider.KindAWSIoT, op, resp, out)
}

func toRemote(t thing) provider.RemoteDevice {
	rd := provider.RemoteDevice{
		ExternalID:      t.ThingName,
		Name:            t.ThingName,
		DeviceType:      t.ThingTypeName,
		SerialNumber:    t.Attributes[attrSerial],
		FirmwareVersion: t.Attributes[attrFirmware],
	}
	if n := t.Attributes[attrName]; n != "" {
		rd.Name = n
	}
	for k, v := range t.Attributes {
		if k == attrName || k == attrSerial || k == attrFirmware {
			continue
		}
		if rd.Metadata == nil {
			rd.Metadata = make(map[string]any)
		}
		rd.Metadata[k] = v
	}
	return rd
}

func applyShadow(rd *provider.RemoteDevice, doc *shadowDocument) {
	if v, ok := doc.State.Reported[attrFirmware].(string); ok && v != "" {
		rd.FirmwareVersion = v
	}
	if v, ok := doc.State.Reported["last_seen"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			rd.LastSeenOnline = &ts
			return
		}
	}
	if doc.Timestamp > 0 {
		ts := time.Unix(doc.Timestamp, 0).UTC()
		rd.LastSeenOnline = &ts
	}
}

func attributesFor(rd provider.RemoteDevice) map[string]string {
	attrs := make(map[string]string)
	for k, v := range rd.Metadata {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	if rd.Name != "" {
		attrs[attrName] = rd.Name
	}
	if rd.SerialNumber != "" {
		attrs[attrSerial] = rd.SerialNumber
	}
	if rd.FirmwareVersion != "" {
		attrs[attrFirmware] = rd.FirmwareVersion
	}
	return attrs
}

func thingName(rd provider.RemoteDevice) string {
	base := rd.SerialNumber
	if base == "" {
		base = rd.Name
	}
	return thingNameUnsafe.ReplaceAllString(base, "_")
}
