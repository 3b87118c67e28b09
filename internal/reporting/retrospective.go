// Package reporting journals coordinator operations and summarizes them.
package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

// RetrospectiveReport summarizes payment activity over a set of journal entries.
type RetrospectiveReport struct {
	TotalOperations    int                        `json:"total_operations"`
	Transitions        int                        `json:"transitions"`
	NoOps              int                        `json:"no_ops"`
	Failures           int                        `json:"failures"`
	ChargedByCurrency  map[string]decimal.Decimal `json:"charged_by_currency"`
	RefundedByCurrency map[string]decimal.Decimal `json:"refunded_by_currency"`
	StatusTransitions  map[string]int             `json:"status_transitions"` // "FROM->TO"
	ErrorBreakdown     map[string]int             `json:"error_breakdown"`    // by error kind
	BackendUsage       map[string]int             `json:"backend_usage"`
	DateFrom           time.Time                  `json:"date_from"`
	DateTo             time.Time                  `json:"date_to"`
	ProcessingDuration time.Duration              `json:"processing_duration"`
}

// RetrospectiveReporter generates retrospective reports from journal entries.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

func newReport() *RetrospectiveReport {
	return &RetrospectiveReport{
		ChargedByCurrency:  make(map[string]decimal.Decimal),
		RefundedByCurrency: make(map[string]decimal.Decimal),
		StatusTransitions:  make(map[string]int),
		ErrorBreakdown:     make(map[string]int),
		BackendUsage:       make(map[string]int),
	}
}

// GenerateRetrospective analyzes entries and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(entries []Entry) (*RetrospectiveReport, error) {
	report := newReport()
	if len(entries) == 0 {
		return report, nil
	}

	report.DateFrom = entries[0].Timestamp
	report.DateTo = entries[0].Timestamp
	for _, e := range entries {
		report.TotalOperations++

		if e.Timestamp.Before(report.DateFrom) {
			report.DateFrom = e.Timestamp
		}
		if e.Timestamp.After(report.DateTo) {
			report.DateTo = e.Timestamp
		}
		if e.Backend != "" {
			report.BackendUsage[e.Backend]++
		}

		switch e.Outcome {
		case OutcomeSuccess:
			report.Transitions++
			report.StatusTransitions[e.From+"->"+e.To]++
			switch e.To {
			case "CHARGED":
				report.ChargedByCurrency[e.Currency] = report.ChargedByCurrency[e.Currency].Add(e.Amount)
			case "PARTIALLY_REFUNDED", "REFUNDED":
				report.RefundedByCurrency[e.Currency] = report.RefundedByCurrency[e.Currency].Add(e.Amount)
			}
		case OutcomeNoop:
			report.NoOps++
		case OutcomeFailure:
			report.Failures++
			if e.ErrorKind != "" {
				report.ErrorBreakdown[e.ErrorKind]++
			}
		}
	}

	report.ProcessingDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}
