package testutil

import (
	"context"
	"sync"

	"github.com/nhle/mailpipe/internal/model"
)

// FakeExtractor is a scripted ai.Extractor that records its calls.
type FakeExtractor struct {
	mu sync.Mutex

	Verdict     model.ClassificationVerdict
	ClassifyErr error
	Bodies      map[model.ReportKind]string
	Errs        map[model.ReportKind]error

	ClassifyCalls int
	ExtractCalls  int
	Batches       []string
}

// NewFakeExtractor returns an extractor that lets every batch through and
// answers each kind with a fixed body.
func NewFakeExtractor() *FakeExtractor {
	return &FakeExtractor{
		Bodies: map[model.ReportKind]string{
			model.ReportInvoice:        `{"invoices":[]}`,
			model.ReportActionDecision: `{"actions":[]}`,
			model.ReportAnalytics:      `{"totals":{}}`,
		},
		Errs: map[model.ReportKind]error{},
	}
}

func (f *FakeExtractor) Classify(_ context.Context, batch string) (model.ClassificationVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ClassifyCalls++
	f.Batches = append(f.Batches, batch)
	return f.Verdict, f.ClassifyErr
}

func (f *FakeExtractor) Extract(_ context.Context, kind model.ReportKind, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ExtractCalls++
	if err := f.Errs[kind]; err != nil {
		return "", err
	}
	return f.Bodies[kind], nil
}

// Calls returns the number of classify and extract calls so far.
func (f *FakeExtractor) Calls() (classify, extract int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ClassifyCalls, f.ExtractCalls
}
