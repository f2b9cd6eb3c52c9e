package models

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates task lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusError
}

// Phase narrows down what a running task is doing. It never changes Status.
type Phase string

const (
	PhaseWaitingForBrowser Phase = "waiting_for_browser"
	PhaseAutomating        Phase = "automating"
)

// FailureKind classifies why a task ended in failed or error.
type FailureKind string

const (
	KindExpectedFailure FailureKind = "expected_failure"
	KindUnexpected      FailureKind = "unexpected_error"
	KindLockTimeout     FailureKind = "lock_timeout"
	KindDriverTimeout   FailureKind = "driver_timeout"
	KindPanic           FailureKind = "panic"
)

// ErrInvalidTransition is returned when a transition does not follow queued -> running -> terminal.
var ErrInvalidTransition = errors.New("invalid status transition")

// QuoteData holds the quote parameters forwarded to the portal.
type QuoteData struct {
	CombinedSales string `json:"combined_sales"`
	GasGallons    string `json:"gas_gallons"`
	YearBuilt     string `json:"year_built"`
	SquareFootage string `json:"square_footage"`
	MPDs          string `json:"mpds"`
}

// Phone is split the way the portal's contact form expects it.
type Phone struct {
	Area   string `json:"area"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// AccountData describes the prospect created when CreateAccount is set.
type AccountData struct {
	LegalEntity       string   `json:"legal_entity"`
	ApplicantName     string   `json:"applicant_name"`
	DBA               string   `json:"dba"`
	Address1          string   `json:"address1"`
	Address2          string   `json:"address2"`
	ZipCode           string   `json:"zipcode"`
	City              string   `json:"city"`
	State             string   `json:"state"`
	ContactName       string   `json:"contact_name"`
	ContactPhone      Phone    `json:"contact_phone"`
	Email             string   `json:"email"`
	Website           string   `json:"website"`
	YearsInBusiness   string   `json:"years_in_business"`
	ProducerID        string   `json:"producer_id"`
	CSRID             string   `json:"csr_id"`
	Description       string   `json:"description"`
	PolicyInception   string   `json:"policy_inception"`
	HeadquartersState string   `json:"headquarters_state"`
	IndustryID        string   `json:"industry_id"`
	SubIndustryID     string   `json:"sub_industry_id"`
	BusinessTypeID    string   `json:"business_type_id"`
	LinesOfBusiness   []string `json:"lines_of_business"`
	OwnershipType     string   `json:"ownership_type"`
}

// Credentials override the configured portal login. They are never serialized.
type Credentials struct {
	Username string
	Password string
}

// Input is the normalized, immutable request payload of a task.
type Input struct {
	Action        string       `json:"action"`
	PolicyCode    string       `json:"policy_code,omitempty"`
	CreateAccount bool         `json:"create_account"`
	SessionKey    string       `json:"session_key"`
	Quote         QuoteData    `json:"quote_data"`
	Account       *AccountData `json:"account_data,omitempty"`
	Credentials   *Credentials `json:"-"`
}

// Result is the output of a completed automation run.
type Result struct {
	PolicyCode      string `json:"policy_code"`
	QuotationURL    string `json:"quotation_url,omitempty"`
	Message         string `json:"message,omitempty"`
	PanelsProcessed int    `json:"panels_processed,omitempty"`
}

// Failure is the structured error recorded on failed and error tasks.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	Type     string      `json:"type,omitempty"`
	TraceRef string      `json:"trace_ref,omitempty"`
}

// Task is the in-memory record of one automation job.
type Task struct {
	ID            string     `json:"task_id"`
	Status        Status     `json:"status"`
	Phase         Phase      `json:"phase,omitempty"`
	Input         Input      `json:"input"`
	WorkerID      string     `json:"worker_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         *Failure   `json:"error,omitempty"`
	QueuePosition int        `json:"queue_position"`
}

// NewTask builds a queued record.
func NewTask(id string, in Input, now time.Time) Task {
	return Task{
		ID:        id,
		Status:    StatusQueued,
		Input:     in,
		CreatedAt: now,
	}
}

// Start moves a queued task to running.
func (t *Task) Start(now time.Time, workerID string) error {
	if t.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	t.WorkerID = workerID
	t.StartedAt = &now
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(now time.Time, res Result) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.Phase = ""
	t.Result = &res
	t.CompletedAt = &now
	return nil
}

// Fail records a terminal failure. Expected failures map to failed, everything else to error.
func (t *Task) Fail(now time.Time, f Failure) error {
	next := StatusError
	if f.Kind == KindExpectedFailure {
		next = StatusFailed
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.Phase = ""
	t.Error = &f
	t.CompletedAt = &now
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (t Task) Clone() Task {
	out := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Result != nil {
		v := *t.Result
		out.Result = &v
	}
	if t.Error != nil {
		v := *t.Error
		out.Error = &v
	}
	if t.Input.Account != nil {
		acct := *t.Input.Account
		acct.LinesOfBusiness = append([]string(nil), t.Input.Account.LinesOfBusiness...)
		out.Input.Account = &acct
	}
	if t.Input.Credentials != nil {
		creds := *t.Input.Credentials
		out.Input.Credentials = &creds
	}
	return out
}
