package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/feezero/payments/internal/coinbase"
	"github.com/feezero/payments/internal/domain"
)

const (
	defaultStaleAfter  = 15 * time.Minute
	defaultOrphanAfter = 5 * time.Minute
	defaultSyncBatch   = 50
)

// providerEventTypes maps Coinbase charge timeline statuses to the webhook
// event types they correspond to. Statuses missing here are skipped.
var providerEventTypes = map[string]string{
	"NEW":        "charge:created",
	"PENDING":    "charge:pending",
	"COMPLETED":  "charge:confirmed",
	"RESOLVED":   "charge:resolved",
	"UNRESOLVED": "charge:delayed",
	"EXPIRED":    "charge:failed",
}

// ChargeSource reads charge state from the provider.
type ChargeSource interface {
	GetCharge(ctx context.Context, chargeID string) (*coinbase.Charge, error)
}

// SyncStore finds charges that need a provider pull, and charges whose
// issuance never got a provider id.
type SyncStore interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Charge, error)
	ListOrphaned(ctx context.Context, before time.Time, limit int) ([]domain.Charge, error)
	MarkIssuanceFailed(ctx context.Context, id, reason string, at time.Time) error
}

// SyncResult summarises a sync pass. Orphaned counts charges failed because
// their issuance never finished.
type SyncResult struct {
	Checked    int `json:"checked"`
	Applied    int `json:"applied"`
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
	Orphaned   int `json:"orphaned"`
}

func (r *SyncResult) add(o Outcome) {
	switch o {
	case OutcomeApplied:
		r.Applied++
	case OutcomeRecorded:
		r.Recorded++
	case OutcomeDuplicate:
		r.Duplicates++
	}
}

type SyncOptions struct {
	StaleAfter  time.Duration
	OrphanAfter time.Duration
	BatchSize   int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Syncer pulls the provider timeline of charges whose webhooks never
// arrived and feeds it through the Processor. Each provider timeline entry
// gets a stable event id, so repeated passes are no-ops.
type Syncer struct {
	processor   *Processor
	charges     SyncStore
	provider    ChargeSource
	staleAfter  time.Duration
	orphanAfter time.Duration
	batchSize   int
	logger      *slog.Logger
	now         func() time.Time
}

func NewSyncer(processor *Processor, charges SyncStore, provider ChargeSource, opts SyncOptions) *Syncer {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.OrphanAfter <= 0 {
		opts.OrphanAfter = defaultOrphanAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSyncBatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		processor:   processor,
		charges:     charges,
		provider:    provider,
		staleAfter:  opts.StaleAfter,
		orphanAfter: opts.OrphanAfter,
		batchSize:   opts.BatchSize,
		logger:      opts.Logger.With("component", "sync"),
		now:         opts.Now,
	}
}

// RunOnce fails orphaned issuances, then syncs one batch of stale charges.
// A provider error on one charge is logged and counted; storage errors
// abort the pass.
func (s *Syncer) RunOnce(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}
	if err := s.failOrphans(ctx, result); err != nil {
		return result, err
	}

	cutoff := s.now().UTC().Add(-s.staleAfter)
	stale, err := s.charges.ListStale(ctx, cutoff, s.batchSize)
	if err != nil {
		return result, fmt.Errorf("list stale charges: %w", err)
	}

	for _, c := range stale {
		result.Checked++
		if err := s.syncInto(ctx, c.ChargeID, result); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			var apiErr *coinbase.APIError
			if !errors.As(err, &apiErr) {
				return result, err
			}
			result.Failed++
			s.logger.Warn("provider lookup failed", "charge_id", c.ChargeID, "error", err)
		}
	}

	if result.Checked > 0 || result.Orphaned > 0 {
		s.logger.Info("sync pass finished",
			"checked", result.Checked,
			"orphaned", result.Orphaned,
			"applied", result.Applied,
			"recorded", result.Recorded,
			"duplicates", result.Duplicates,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// failOrphans marks failed the charges stored longer than orphanAfter ago
// that never received a provider id, freeing their reference. The provider
// call is bounded well below orphanAfter, so no issuance is still running.
func (s *Syncer) failOrphans(ctx context.Context, result *SyncResult) error {
	now := s.now().UTC()
	orphans, err := s.charges.ListOrphaned(ctx, now.Add(-s.orphanAfter), s.batchSize)
	if err != nil {
		return fmt.Errorf("list orphaned charges: %w", err)
	}
	for _, c := range orphans {
		if err := s.charges.MarkIssuanceFailed(ctx, c.ID, "issuance interrupted", now); err != nil {
			return fmt.Errorf("fail orphaned charge %s: %w", c.ID, err)
		}
		result.Orphaned++
		s.logger.Warn("orphaned charge marked failed",
			"id", c.ID,
			"reference", c.Reference,
			"created_at", c.CreatedAt,
		)
	}
	return nil
}

// SyncCharge syncs a single charge regardless of age.
func (s *Syncer) SyncCharge(ctx context.Context, chargeID string) (*SyncResult, error) {
	result := &SyncResult{Checked: 1}
	if err := s.syncInto(ctx, chargeID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sync pass failed", "error", err)
			}
		}
	}
}

func (s *Syncer) syncInto(ctx context.Context, chargeID string, result *SyncResult) error {
	remote, err := s.provider.GetCharge(ctx, chargeID)
	if err != nil {
		return err
	}
	for _, event := range TimelineEvents(chargeID, remote.Timeline) {
		res, err := s.processor.process(ctx, event, domain.SourceSync)
		if err != nil {
			return err
		}
		result.add(res.Outcome)
	}
	return nil
}

// TimelineEvents converts a provider charge timeline into events ordered
// by provider time.
func TimelineEvents(chargeID string, timeline []coinbase.TimelineEntry) []domain.WebhookEvent {
	entries := append([]coinbase.TimelineEntry(nil), timeline...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })

	var events []domain.WebhookEvent
	for _, entry := range entries {
		status := strings.ToUpper(strings.TrimSpace(entry.Status))
		typ, ok := providerEventTypes[status]
		if !ok {
			continue
		}
		ts := entry.Time.UTC()
		events = append(events, domain.WebhookEvent{
			ID:                "sync:" + chargeID + ":" + status + ":" + ts.Format(time.RFC3339Nano),
			Kind:              domain.ParseEventKind(typ),
			RawType:           typ,
			ChargeID:          chargeID,
			ProviderTimestamp: ts,
		})
	}
	return events
}
