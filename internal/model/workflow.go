package model

import (
	"encoding/json"
	"time"
)

// StepName identifies one step of the bootstrap workflow.
type StepName string

const (
	StepGetUserDetails StepName = "get-user-details"
	StepGetTokens      StepName = "get-tokens"
	StepRegisterWatch  StepName = "register-watch"
	StepRunSync        StepName = "run-sync"
)

// BootstrapSteps is the execution order of the bootstrap workflow.
var BootstrapSteps = []StepName{
	StepGetUserDetails,
	StepGetTokens,
	StepRegisterWatch,
	StepRunSync,
}

// StepStatus is the state of a single step record.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RunState is the state of a bootstrap run as a whole.
type RunState string

const (
	RunPending         RunState = "pending"
	RunTokensFetched   RunState = "tokens_fetched"
	RunWatchRegistered RunState = "watch_registered"
	RunSyncTriggered   RunState = "sync_triggered"
	RunDone            RunState = "done"
	RunFailed          RunState = "failed"
)

// StateAfter returns the run state reached once step has completed.
func StateAfter(step StepName) RunState {
	switch step {
	case StepGetTokens:
		return RunTokensFetched
	case StepRegisterWatch:
		return RunWatchRegistered
	case StepRunSync:
		return RunSyncTriggered
	default:
		return RunPending
	}
}

// BootstrapRun is the persisted header of a workflow run.
type BootstrapRun struct {
	RunID      string    `db:"run_id" json:"runId"`
	UserID     string    `db:"user_id" json:"userId"`
	State      RunState  `db:"state" json:"state"`
	FailedStep string    `db:"failed_step" json:"failedStep,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// StepRecord is one entry of a run's step log.
type StepRecord struct {
	RunID     string          `db:"run_id" json:"runId"`
	Step      StepName        `db:"step" json:"step"`
	Status    StepStatus      `db:"status" json:"status"`
	Result    json.RawMessage `db:"result" json:"result,omitempty"`
	Attempts  int             `db:"attempts" json:"attempts"`
	Error     string          `db:"error" json:"error,omitempty"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}
