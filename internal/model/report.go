package model

import "time"

// ReportKind names one extraction pass.
type ReportKind string

const (
	ReportInvoice        ReportKind = "invoice"
	ReportActionDecision ReportKind = "action_decision"
	ReportAnalytics      ReportKind = "analytics"
)

// ReportKinds lists every extraction pass run for a batch.
var ReportKinds = []ReportKind{ReportInvoice, ReportActionDecision, ReportAnalytics}

// ReportStatus distinguishes a produced report from a missing one.
type ReportStatus string

const (
	ReportPresent ReportStatus = "present"
	ReportAbsent  ReportStatus = "absent"
)

// Report is the outcome of one extraction pass. Body is only meaningful
// when Status is ReportPresent; Reason is only set when it is ReportAbsent.
type Report struct {
	Kind   ReportKind   `json:"kind"`
	Status ReportStatus `json:"status"`
	Body   string       `json:"body,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// PresentReport builds a report carrying an extraction payload.
func PresentReport(kind ReportKind, body string) Report {
	return Report{Kind: kind, Status: ReportPresent, Body: body}
}

// AbsentReport builds a report recording why no payload exists.
func AbsentReport(kind ReportKind, reason string) Report {
	return Report{Kind: kind, Status: ReportAbsent, Reason: reason}
}

// Present reports whether the extraction produced a payload.
func (r Report) Present() bool {
	return r.Status == ReportPresent
}

// ExtractionReportSet is the persisted result of processing one batch.
type ExtractionReportSet struct {
	Invoice        Report    `json:"invoice"`
	ActionDecision Report    `json:"actionDecision"`
	Analytics      Report    `json:"analytics"`
	ThreadCount    int       `json:"threadCount"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// Set stores r in the slot matching its kind.
func (s *ExtractionReportSet) Set(r Report) {
	switch r.Kind {
	case ReportInvoice:
		s.Invoice = r
	case ReportActionDecision:
		s.ActionDecision = r
	case ReportAnalytics:
		s.Analytics = r
	}
}

// Reports returns the three reports in a fixed order.
func (s *ExtractionReportSet) Reports() []Report {
	return []Report{s.Invoice, s.ActionDecision, s.Analytics}
}

// AnyPresent reports whether at least one extraction succeeded.
func (s *ExtractionReportSet) AnyPresent() bool {
	for _, r := range s.Reports() {
		if r.Present() {
			return true
		}
	}
	return false
}

// ClassificationVerdict is the gate decision for a batch.
type ClassificationVerdict struct {
	ShouldSkip bool   `json:"shouldSkip"`
	Category   string `json:"category,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

// RunOutcome summarizes how a processing run ended.
type RunOutcome string

const (
	OutcomeInsufficient RunOutcome = "insufficient"
	OutcomeSkipped      RunOutcome = "skipped"
	OutcomePersisted    RunOutcome = "persisted"
	OutcomeDegraded     RunOutcome = "degraded"
	OutcomeFailed       RunOutcome = "failed"
)

// RunStatus is the last processing outcome recorded for a user.
type RunStatus struct {
	Outcome     RunOutcome `json:"outcome"`
	ThreadCount int        `json:"threadCount"`
	Category    string     `json:"category,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
	At          time.Time  `json:"at"`
}
