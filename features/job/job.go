package job

import (
	"errors"
	"slices"
	"time"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

var transitions = map[State][]State{
	StatePending:    {StateProcessing, StateFailed},
	StateProcessing: {StateCompleted, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Terminal states have no exits.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// sources lists the states from which to is reachable.
func sources(to State) []State {
	var out []State
	for from, tos := range transitions {
		if slices.Contains(tos, to) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// Job is one ingestion attempt. A retry creates a new Job.
type Job struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id,omitempty"`
	State        State           `json:"state"`
	ErrorKind    knowledge.Kind  `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Filename     string          `json:"filename"`
	MimeType     string          `json:"mime_type"`
	Scope        knowledge.Scope `json:"scope"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Status struct {
	State        State          `json:"state"`
	ErrorKind    knowledge.Kind `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (j *Job) Status() Status {
	return Status{State: j.State, ErrorKind: j.ErrorKind, ErrorMessage: j.ErrorMessage}
}

// Filter narrows List. A zero Filter matches every job.
type Filter struct {
	State State
	Limit int
}
