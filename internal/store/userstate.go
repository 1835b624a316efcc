package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nhle/mailpipe/internal/model"
)

// Per-user key suffixes. Every key is "<userID>:<suffix>".
const (
	KeyCredentials = "credentials"
	KeyThreads     = "threads"
	KeySummaries   = "summaries"
	KeyReports     = "reports"
	KeyStatus      = "status"
)

// Key builds the composite storage key for a user's piece of state.
func Key(userID, suffix string) string {
	return userID + ":" + suffix
}

// UserState reads and writes the JSON-encoded per-user records.
type UserState struct {
	kv KV
}

// NewUserState returns a UserState backed by kv.
func NewUserState(kv KV) *UserState {
	return &UserState{kv: kv}
}

func (u *UserState) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := u.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (u *UserState) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return u.kv.Put(ctx, key, raw)
}

// === Credentials ===

// Credentials returns the cached credential for userID.
func (u *UserState) Credentials(
	ctx context.Context,
	userID string,
) (*model.UserCredential, bool, error) {
	var cred model.UserCredential
	ok, err := u.getJSON(ctx, Key(userID, KeyCredentials), &cred)
	if err != nil || !ok {
		return nil, false, err
	}
	return &cred, true, nil
}

// PutCredentials overwrites the cached credential for userID.
func (u *UserState) PutCredentials(
	ctx context.Context,
	userID string,
	cred model.UserCredential,
) error {
	cred.UserID = userID
	return u.putJSON(ctx, Key(userID, KeyCredentials), cred)
}

// === Threads ===

// ThreadIDs returns the stored thread ID set, nil when none was stored.
func (u *UserState) ThreadIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	if _, err := u.getJSON(ctx, Key(userID, KeyThreads), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceThreadIDs stores ids as the user's thread ID set, discarding the
// previous set.
func (u *UserState) ReplaceThreadIDs(ctx context.Context, userID string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return u.putJSON(ctx, Key(userID, KeyThreads), ids)
}

// AppendThreadIDs adds ids that are not already in the stored set,
// preserving order. It returns the IDs that were actually added.
func (u *UserState) AppendThreadIDs(
	ctx context.Context,
	userID string,
	ids []string,
) ([]string, error) {
	current, err := u.ThreadIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(current)+len(ids))
	for _, id := range current {
		seen[id] = true
	}

	var added []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, nil
	}

	if err := u.ReplaceThreadIDs(ctx, userID, append(current, added...)); err != nil {
		return nil, err
	}
	return added, nil
}

// === Reports ===

// Summaries returns the last persisted extraction report set.
func (u *UserState) Summaries(
	ctx context.Context,
	userID string,
) (*model.ExtractionReportSet, bool, error) {
	var set model.ExtractionReportSet
	ok, err := u.getJSON(ctx, Key(userID, KeySummaries), &set)
	if err != nil || !ok {
		return nil, false, err
	}
	return &set, true, nil
}

// PutSummaries replaces the persisted extraction report set.
func (u *UserState) PutSummaries(
	ctx context.Context,
	userID string,
	set model.ExtractionReportSet,
) error {
	return u.putJSON(ctx, Key(userID, KeySummaries), set)
}

// ThreadReport returns the per-thread report stored for threadID.
func (u *UserState) ThreadReport(
	ctx context.Context,
	userID string,
	threadID string,
) (string, bool, error) {
	reports := map[string]string{}
	if _, err := u.getJSON(ctx, Key(userID, KeyReports), &reports); err != nil {
		return "", false, err
	}
	report, ok := reports[threadID]
	return report, ok, nil
}

// PutThreadReport stores a per-thread report, keeping other threads' entries.
func (u *UserState) PutThreadReport(
	ctx context.Context,
	userID string,
	threadID string,
	report string,
) error {
	reports := map[string]string{}
	if _, err := u.getJSON(ctx, Key(userID, KeyReports), &reports); err != nil {
		return err
	}
	reports[threadID] = report
	return u.putJSON(ctx, Key(userID, KeyReports), reports)
}

// === Run status ===

// RunStatus returns the last processing outcome recorded for userID.
func (u *UserState) RunStatus(
	ctx context.Context,
	userID string,
) (*model.RunStatus, bool, error) {
	var status model.RunStatus
	ok, err := u.getJSON(ctx, Key(userID, KeyStatus), &status)
	if err != nil || !ok {
		return nil, false, err
	}
	return &status, true, nil
}

// PutRunStatus records the latest processing outcome for userID.
func (u *UserState) PutRunStatus(
	ctx context.Context,
	userID string,
	status model.RunStatus,
) error {
	return u.putJSON(ctx, Key(userID, KeyStatus), status)
}
