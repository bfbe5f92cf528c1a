// Package models contains the canonical approval-workflow records shared by the engine,
// the storage layer and the HTTP API.
package models

import (
	"time"
)

// Principal is an opaque caller identity (user id, wallet address, service name).
type Principal string

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleFaculty  Role = "FACULTY"
	RoleStudent  Role = "STUDENT"
	RoleVerifier Role = "VERIFIER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleFaculty, RoleStudent, RoleVerifier:
		return true
	}
	return false
}

// CanApprove reports whether holders of r may be listed as approvers.
func (r Role) CanApprove() bool {
	return r == RoleFaculty || r == RoleVerifier
}

type ApprovalMode string

const (
	ModeSequential ApprovalMode = "SEQUENTIAL"
	ModeParallel   ApprovalMode = "PARALLEL"
)

func (m ApprovalMode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

type DecisionMode string

const (
	DecisionStandard         DecisionMode = "STANDARD"
	DecisionDigitalSignature DecisionMode = "DIGITAL_SIGNATURE"
)

func (m DecisionMode) Valid() bool {
	return m == DecisionStandard || m == DecisionDigitalSignature
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transition may happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Open reports whether the request still accepts decisions or cancellation.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusPartial
}

// StepDecision is the recorded outcome of one approver's step.
type StepDecision string

const (
	StepPending  StepDecision = "PENDING"
	StepApproved StepDecision = "APPROVED"
	StepRejected StepDecision = "REJECTED"
)

// Decision is the action an approver submits.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalStep is one approver's slot in a request.
type ApprovalStep struct {
	Approver     Principal    `json:"approver"`
	Decision     StepDecision `json:"decision"`
	SignatureRef string       `json:"signatureRef,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	DecidedAt    *time.Time   `json:"decidedAt,omitempty"`
}

// ApprovalRequest is the central ledger record.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"documentId"`
	ContentRef   string         `json:"contentRef,omitempty"`
	Requester    Principal      `json:"requester"`
	Approvers    []Principal    `json:"approvers"`
	ApprovalMode ApprovalMode   `json:"approvalMode"`
	DecisionMode DecisionMode   `json:"decisionMode"`
	Priority     Priority       `json:"priority"`
	Expiry       *time.Time     `json:"expiry,omitempty"`
	Version      string         `json:"version,omitempty"`
	Status       Status         `json:"status"`
	Steps        []ApprovalStep `json:"steps"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	// Revision counts persisted updates. A store rejects an update carrying a stale revision.
	Revision int64 `json:"-"`
}

// ApprovedCount returns the number of APPROVED steps.
func (r *ApprovalRequest) ApprovedCount() int {
	n := 0
	for _, s := range r.Steps {
		if s.Decision == StepApproved {
			n++
		}
	}
	return n
}

// PendingIndex returns the index of the first undecided step, or -1 when every step is decided.
func (r *ApprovalRequest) PendingIndex() int {
	for i, s := range r.Steps {
		if s.Decision == StepPending {
			return i
		}
	}
	return -1
}

// StepIndex returns the position of p in the approver list, or -1.
func (r *ApprovalRequest) StepIndex(p Principal) int {
	for i, a := range r.Approvers {
		if a == p {
			return i
		}
	}
	return -1
}

// ExpiredAt reports whether the request carries an expiry that lies strictly before now.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return r.Expiry != nil && now.After(*r.Expiry)
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (r ApprovalRequest) Clone() ApprovalRequest {
	out := r
	out.Approvers = append([]Principal(nil), r.Approvers...)
	out.Steps = make([]ApprovalStep, len(r.Steps))
	for i, s := range r.Steps {
		if s.DecidedAt != nil {
			t := *s.DecidedAt
			s.DecidedAt = &t
		}
		out.Steps[i] = s
	}
	if r.Expiry != nil {
		t := *r.Expiry
		out.Expiry = &t
	}
	return out
}

// Snapshot is the aggregate view returned by Decide and Status.
type Snapshot struct {
	ID             string `json:"id"`
	Status         Status `json:"status"`
	ApprovedCount  int    `json:"approvedCount"`
	TotalApprovers int    `json:"totalApprovers"`
	IsComplete     bool   `json:"isComplete"`
	IsApproved     bool   `json:"isApproved"`
	IsExpired      bool   `json:"isExpired"`
}

// SnapshotAt derives the aggregate view of r using now for the expiry hint.
func (r *ApprovalRequest) SnapshotAt(now time.Time) Snapshot {
	return Snapshot{
		ID:             r.ID,
		Status:         r.Status,
		ApprovedCount:  r.ApprovedCount(),
		TotalApprovers: len(r.Approvers),
		IsComplete:     r.Status.Terminal(),
		IsApproved:     r.Status == StatusApproved,
		IsExpired:      r.Status == StatusExpired || (!r.Status.Terminal() && r.ExpiredAt(now)),
	}
}
