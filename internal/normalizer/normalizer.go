// Package normalizer turns raw monitoring payloads into de-duplicated issues.
package normalizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/alerts"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/utils"
)

const (
	maxTitleLen   = 255
	maxPatternLen = 128
)

// Result is the outcome of submitting one event
type Result struct {
	Issue   *database.Issue
	Created bool
	// PreviousSeverity is the issue severity before the merge
	PreviousSeverity database.Severity
}

// SeverityRaised reports whether the merge escalated the issue's severity
func (r *Result) SeverityRaised() bool {
	return !r.Created && r.Issue.Severity.Rank() > r.PreviousSeverity.Rank()
}

// Normalizer parses source payloads and merges them into issues
type Normalizer struct {
	db       *gorm.DB
	window   time.Duration
	adapters map[string]alerts.Adapter
	locks    *utils.KeyedMutex
	logger   *zap.Logger
}

// New creates a normalizer with the given dedup window
func New(db *gorm.DB, window time.Duration, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		db:       db,
		window:   window,
		adapters: make(map[string]alerts.Adapter),
		locks:    utils.NewKeyedMutex(),
		logger:   logger.Named("normalizer"),
	}
}

// RegisterAdapter makes a source available for submission
func (n *Normalizer) RegisterAdapter(adapter alerts.Adapter) {
	n.adapters[adapter.GetSourceType()] = adapter
}

// Adapter returns the adapter registered for a source
func (n *Normalizer) Adapter(source string) (alerts.Adapter, bool) {
	a, ok := n.adapters[source]
	return a, ok
}

// Sources lists registered source names
func (n *Normalizer) Sources() []string {
	out := make([]string, 0, len(n.adapters))
	for s := range n.adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Submit parses payload with the source's adapter and merges every resulting
// event into an issue. Parse failures are returned as *MalformedEventError.
func (n *Normalizer) Submit(ctx context.Context, source string, payload []byte, observedAt time.Time) ([]*Result, error) {
	adapter, ok := n.adapters[source]
	if !ok {
		return nil, &MalformedEventError{Source: source, Reason: "unknown source"}
	}

	events, err := adapter.ParsePayload(payload)
	if err != nil {
		return nil, &MalformedEventError{Source: source, Reason: "unparseable payload", Err: err}
	}

	results := make([]*Result, 0, len(events))
	for _, ev := range events {
		res, err := n.SubmitEvent(ctx, source, ev, observedAt)
		if err != nil {
			var malformed *MalformedEventError
			if errors.As(err, &malformed) {
				n.logger.Warn("dropping malformed event",
					observability.Source(source), zap.String("reason", malformed.Reason))
				continue
			}
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// SubmitEvent merges a single normalized event into an open issue seen within
// the dedup window, or creates a new issue.
func (n *Normalizer) SubmitEvent(ctx context.Context, source string, ev alerts.NormalizedEvent, observedAt time.Time) (*Result, error) {
	if strings.TrimSpace(ev.Title) == "" {
		return nil, &MalformedEventError{Source: source, Reason: "event has no title"}
	}

	services := database.NewStringList(ev.Services...)
	signature := alerts.StableSignature(alerts.FirstNonEmpty(ev.Signature, ev.ErrorType, ev.Title))
	key := DedupKey(services, signature)

	unlock := n.locks.Lock(key)
	defer unlock()

	db := n.db.WithContext(ctx)
	severity := ev.Severity
	if !severity.Valid() {
		severity = database.SeverityMedium
	}

	signal := &database.IssueSignal{
		Source:      source,
		Fingerprint: ev.Fingerprint,
		Title:       utils.TruncateText(ev.Title, maxTitleLen),
		Severity:    severity,
		Payload:     database.JSONB(ev.RawPayload),
		ObservedAt:  observedAt,
	}
	if ev.OccurredAt != nil {
		signal.ObservedAt = *ev.OccurredAt
	}

	existing, err := database.FindOpenIssueByDedupKey(db, key, observedAt.Add(-n.window))
	if err != nil {
		return nil, err
	}

	if existing != nil {
		previous := existing.Severity
		existing.Sources = existing.Sources.Union(source)
		existing.AffectedServices = existing.AffectedServices.Union(services...)
		existing.Severity = database.MaxSeverity(existing.Severity, severity)
		if observedAt.After(existing.LastSeenAt) {
			existing.LastSeenAt = observedAt
		}
		if err := database.AttachSignal(db, existing, signal); err != nil {
			return nil, err
		}
		existing.SignalCount++

		n.logger.Debug("merged event into issue",
			observability.IssueID(existing.UUID), observability.Source(source),
			zap.String("dedup_key", key), zap.Int("signals", existing.SignalCount))
		return &Result{Issue: existing, PreviousSeverity: previous}, nil
	}

	issue := &database.Issue{
		UUID:             uuid.New().String(),
		Title:            utils.TruncateText(ev.Title, maxTitleLen),
		Description:      ev.Description,
		Severity:         severity,
		Sources:          database.NewStringList(source),
		AffectedServices: services,
		Pattern:          Pattern(ev),
		ErrorSignature:   signature,
		DedupKey:         key,
		SignalCount:      1,
		Status:           database.IssueStatusDetected,
		DetectedAt:       observedAt,
		LastSeenAt:       observedAt,
	}
	if err := database.CreateIssueWithSignal(db, issue, signal); err != nil {
		return nil, err
	}

	n.logger.Info("issue detected",
		observability.IssueID(issue.UUID), observability.Source(source),
		zap.String("severity", string(issue.Severity)),
		zap.Strings("services", issue.AffectedServices),
		zap.String("pattern", issue.Pattern))
	return &Result{Issue: issue, Created: true, PreviousSeverity: severity}, nil
}

// DedupKey hashes the sorted service set and the error signature
func DedupKey(services database.StringList, signature string) string {
	h := sha256.Sum256([]byte(strings.Join(services, ",") + "|" + signature))
	return hex.EncodeToString(h[:8])
}

// Pattern derives the stable key historical statistics are tracked under
func Pattern(ev alerts.NormalizedEvent) string {
	if p := utils.Slugify(ev.ErrorType, maxPatternLen); p != "" {
		return p
	}
	if p := utils.Slugify(alerts.StableSignature(ev.Signature), maxPatternLen); p != "" {
		return p
	}
	return utils.Slugify(ev.Title, maxPatternLen)
}
