package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/operational-cognos/gateway/pkg/storage"
)

// Output formats a report may be requested in. The format is carried through
// as metadata; the body is always JSON.
const (
	FormatJSON = "json"
	FormatPDF  = "pdf"
)

// UnknownDecision counts found traces whose envelope carries no decision.
const UnknownDecision = "UNKNOWN"

// Summary aggregates the traces named in a report request.
type Summary struct {
	RequestedCount    int            `json:"requested_count"`
	FoundCount        int            `json:"found_count"`
	MissingCount      int            `json:"missing_count"`
	MissingIDs        []string       `json:"missing_ids"`
	DecisionBreakdown map[string]int `json:"decision_breakdown"`
	Format            string         `json:"format"`
}

// TrustReport is built on request and never stored.
type TrustReport struct {
	ReportID string    `json:"report_id"`
	Created  time.Time `json:"created"`
	Regime   string    `json:"regime"`
	Summary  Summary   `json:"summary"`
}

// Builder produces trust reports from a trace reader.
type Builder struct {
	traces storage.Reader
	now    func() time.Time
}

func NewBuilder(traces storage.Reader) *Builder {
	return &Builder{traces: traces, now: time.Now}
}

// Build looks up traceIDs in order. Missing ids are listed, not errors; only
// a storage failure other than not-found aborts the report.
func (b *Builder) Build(ctx context.Context, traceIDs []string, regime, format string) (*TrustReport, error) {
	if format == "" {
		format = FormatJSON
	}
	summary := Summary{
		RequestedCount:    len(traceIDs),
		MissingIDs:        []string{},
		DecisionBreakdown: map[string]int{},
		Format:            format,
	}

	for _, id := range traceIDs {
		rec, err := b.traces.Get(ctx, id)
		if errors.Is(err, storage.ErrTraceNotFound) {
			summary.MissingIDs = append(summary.MissingIDs, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("report lookup %s: %w", id, err)
		}
		summary.FoundCount++
		decision := string(rec.Envelope.Decision)
		if decision == "" {
			decision = UnknownDecision
		}
		summary.DecisionBreakdown[decision]++
	}
	summary.MissingCount = len(summary.MissingIDs)

	return &TrustReport{
		ReportID: NewReportID(),
		Created:  b.now().UTC(),
		Regime:   regime,
		Summary:  summary,
	}, nil
}

// NewReportID returns "rpt_" followed by 12 lowercase hex characters.
func NewReportID() string {
	return "rpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
