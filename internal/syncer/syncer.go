// Package syncer runs one reconciliation pass between an integration's
// remote registry and the platform's local device records.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"device-sync-backend/internal/conflict"
	"device-sync-backend/internal/credential"
	"device-sync-backend/internal/firmware"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
	"device-sync-backend/internal/store"
)

var (
	ErrIntegrationNotFound  = errors.New("integration not found")
	ErrIntegrationDisabled  = errors.New("integration is disabled")
	ErrRemoteFetchFailed    = errors.New("remote device fetch failed")
	ErrRunInProgress        = errors.New("a sync run is already in progress for this integration")
	ErrPerDeviceWriteFailed = errors.New("device write failed")
	ErrInvalidDirection     = errors.New("invalid sync direction")
	ErrInvalidPolicy        = errors.New("invalid conflict policy")
	ErrInvalidResolution    = errors.New("invalid conflict resolution")
)

// AdapterFactory builds the adapter for an integration. *provider.Registry
// satisfies it.
type AdapterFactory interface {
	New(cfg provider.Config) (provider.Adapter, error)
}

// Config bounds a run.
type Config struct {
	DeviceTimeout   time.Duration
	ListTimeout     time.Duration
	Staleness       time.Duration
	MaxErrorDetails int
	LeaseTTL        time.Duration
	HTTP            provider.HTTPOptions
	MQTTCollect     time.Duration
	Now             func() time.Time
}

// Options narrows what a run may do.
type Options struct {
	CreateMissing    bool
	UpdateExisting   bool
	MarkRemoteAbsent bool
	OnlyOnline       bool
	// Tags limits the run to devices carrying at least one tag. Empty means
	// every device.
	Tags []string
}

// Request describes one sync run.
type Request struct {
	OrganizationID string
	IntegrationID  string
	Direction      model.Direction
	ConflictPolicy model.ConflictPolicy
	DryRun         bool
	Options        Options
	Trigger        string
	ScheduleID     string
}

// DeviceConflicts groups the conflict records found on one matched pair.
type DeviceConflicts struct {
	DeviceID   string            `json:"device_id"`
	ExternalID string            `json:"external_id"`
	Records    []conflict.Record `json:"records"`
}

// Result is returned for every run that got past validation.
type Result struct {
	Status    model.RunStatus   `json:"status"`
	Summary   model.RunSummary  `json:"summary"`
	Conflicts []DeviceConflicts `json:"conflicts,omitempty"`
}

func (r *Result) Success() bool { return r.Status != model.RunFailed }

type Syncer struct {
	store    store.Store
	adapters AdapterFactory
	creds    credential.Opener
	firmware *firmware.Logger
	cfg      Config
	log      zerolog.Logger
}

func New(st store.Store, adapters AdapterFactory, creds credential.Opener, cfg Config, log zerolog.Logger) *Syncer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 30 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 2 * time.Minute
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 5 * time.Minute
	}
	if cfg.MaxErrorDetails <= 0 {
		cfg.MaxErrorDetails = 50
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	return &Syncer{
		store:    st,
		adapters: adapters,
		creds:    creds,
		firmware: firmware.NewLogger(log, cfg.Now),
		cfg:      cfg,
		log:      log,
	}
}

// Run executes one sync run. Validation, lookup and lease errors return a
// nil Result. Once the run has started a Result is always returned, and
// the error is non-nil only when the run failed as a whole.
func (s *Syncer) Run(ctx context.Context, req Request) (*Result, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, req.Direction)
	}
	if req.ConflictPolicy == "" {
		req.ConflictPolicy = model.PolicyNewestWins
	}
	if !req.ConflictPolicy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, req.ConflictPolicy)
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	integration, err := s.loadIntegration(ctx, req.OrganizationID, req.IntegrationID)
	if err != nil {
		return nil, err
	}

	log := s.log.With().
		Str("integration_id", integration.ID).
		Str("organization_id", integration.OrganizationID).
		Str("direction", string(req.Direction)).
		Bool("dry_run", req.DryRun).
		Str("trigger", req.Trigger).
		Logger()
	if req.ScheduleID != "" {
		log = log.With().Str("schedule_id", req.ScheduleID).Logger()
	}

	if !req.DryRun {
		holder := uuid.NewString()
		acquired, err := s.store.AcquireRunLease(ctx, integration.ID, holder, s.cfg.Now(), s.cfg.LeaseTTL)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := s.store.ReleaseRunLease(context.WithoutCancel(ctx), integration.ID, holder); err != nil {
				log.Warn().Err(err).Msg("failed to release run lease")
			}
		}()
	}

	r := &run{
		Syncer:      s,
		req:         req,
		integration: integration,
		log:         log,
		result:      &Result{Summary: model.RunSummary{Direction: req.Direction, DryRun: req.DryRun}},
	}

	log.Info().Msg("sync run started")
	runErr := r.execute(ctx)

	res := r.result
	res.Status = status(&res.Summary)
	if runErr != nil {
		res.Status = model.RunFailed
		res.Summary.Error = runErr.Error()
	}
	if !req.DryRun {
		s.appendActivity(context.WithoutCancel(ctx), integration, req, res, log)
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(res.Status)).
		Int("synced", res.Summary.Synced()).
		Int("created", res.Summary.Created).
		Int("updated", res.Summary.Updated).
		Int("skipped", res.Summary.Skipped).
		Int("errored", res.Summary.Errored).
		Int("conflicts", res.Summary.Conflicts).
		Msg("sync run finished")

	return res, runErr
}

func (s *Syncer) loadIntegration(ctx context.Context, organizationID, integrationID string) (*model.Integration, error) {
	integration, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, integrationID)
		}
		return nil, err
	}
	if organizationID != "" && integration.OrganizationID != organizationID {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, integrationID)
	}
	if !integration.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationDisabled, integrationID)
	}
	return integration, nil
}

// adapter opens the integration credential just long enough to build the
// adapter.
func (s *Syncer) adapter(integration *model.Integration) (provider.Adapter, error) {
	cred, err := s.creds.Open(integration.Credential)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential: %w", err)
	}
	defer clear(cred)

	return s.adapters.New(provider.Config{
		Integration: integration,
		Credential:  cred,
		HTTP:        s.cfg.HTTP,
		Logger:      s.log,
		Staleness:   s.cfg.Staleness,
		MQTTCollect: s.cfg.MQTTCollect,
		Now:         s.cfg.Now,
	})
}

// TestIntegration checks that the integration's remote registry is
// reachable with its stored credential.
func (s *Syncer) TestIntegration(ctx context.Context, organizationID, integrationID string) error {
	integration, err := s.loadIntegration(ctx, organizationID, integrationID)
	if err != nil {
		return err
	}
	a, err := s.adapter(integration)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
	defer cancel()
	return a.Test(ctx)
}

func status(sum *model.RunSummary) model.RunStatus {
	switch {
	case sum.Cancelled:
		return model.RunPartial
	case sum.Errored == 0:
		return model.RunSuccess
	case sum.Synced() == 0:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

func (s *Syncer) appendActivity(ctx context.Context, integration *model.Integration, req Request, res *Result, log zerolog.Logger) {
	summary := res.Summary
	entry := &model.ActivityLog{
		IntegrationID:  integration.ID,
		OrganizationID: integration.OrganizationID,
		Type:           model.ActivityTypeDeviceSync,
		Direction:      activityDirection(req.Direction),
		Status:         activityStatus(res.Status),
		Message:        activityMessage(req.Trigger, res),
		Metadata: model.ActivityMetadata{
			Trigger:    req.Trigger,
			ScheduleID: req.ScheduleID,
			Direction:  req.Direction,
			Summary:    &summary,
		},
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("failed to append activity log")
	}
}

func activityDirection(d model.Direction) string {
	switch d {
	case model.DirectionImport:
		return "incoming"
	case model.DirectionExport:
		return "outgoing"
	}
	return "bidirectional"
}

func activityStatus(st model.RunStatus) string {
	switch st {
	case model.RunSuccess:
		return model.ActivityStatusSuccess
	case model.RunPartial:
		return model.ActivityStatusPartial
	}
	return model.ActivityStatusError
}

func activityMessage(trigger string, res *Result) string {
	prefix := "Sync"
	if trigger == model.TriggerAutoSync {
		prefix = "Auto-sync"
	}
	sum := res.Summary
	if res.Status == model.RunFailed && sum.Error != "" {
		return fmt.Sprintf("%s failed: %s", prefix, sum.Error)
	}
	msg := fmt.Sprintf("%s completed: %d device(s) synced", prefix, sum.Synced())
	if sum.Errored > 0 {
		msg += fmt.Sprintf(", %d error(s)", sum.Errored)
	}
	if sum.Cancelled {
		msg += " (cancelled)"
	}
	return msg
}
