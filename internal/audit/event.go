// Package audit contains the tamper-evident event log of the approval engine: typed event
// payloads, per-stream hash chaining, the outbox streamer and its Kafka/S3 sinks.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/docflow/internal/models"
)

// Streams that are not request ids.
const (
	StreamRoles = "roles"
	StreamAdmin = "admin"
)

// Outbox delivery states.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Event types.
const (
	TypeRequestCreated         = "RequestCreated"
	TypeStepApproved           = "StepApproved"
	TypeRequestApproved        = "RequestApproved"
	TypeRequestRejected        = "RequestRejected"
	TypeRequestCancelled       = "RequestCancelled"
	TypeRequestExpired         = "RequestExpired"
	TypeRoleGranted            = "RoleGranted"
	TypeRoleRevoked            = "RoleRevoked"
	TypePaused                 = "Paused"
	TypeUnpaused               = "Unpaused"
	TypeDocumentManagerUpdated = "DocumentManagerUpdated"
)

// Event is a sealed audit record as stored in the outbox.
type Event struct {
	ID        string           `json:"id"`
	StreamID  string           `json:"streamId"`
	Seq       int64            `json:"seq"`
	Type      string           `json:"type"`
	Actor     models.Principal `json:"actor"`
	Payload   json.RawMessage  `json:"payload"`
	PrevHash  string           `json:"prevHash,omitempty"`
	Hash      string           `json:"hash"`
	Signature string           `json:"signature"`
	SignerID  string           `json:"signerId"`
	Ts        time.Time        `json:"ts"`

	StreamStatus string `json:"streamStatus,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	ArchiveKey   string `json:"archiveKey,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() string
}

// Draft is an unsealed event handed to a store together with the mutation that caused it.
type Draft struct {
	StreamID string
	Actor    models.Principal
	Ts       time.Time
	Payload  Payload
}

// NewDraft builds a draft on stream for payload.
func NewDraft(stream string, actor models.Principal, ts time.Time, p Payload) Draft {
	return Draft{StreamID: stream, Actor: actor, Ts: ts, Payload: p}
}

func newEventID() string {
	return uuid.New().String()
}

type RequestCreated struct {
	ID         string              `json:"id"`
	DocumentID string              `json:"documentId"`
	Requester  models.Principal    `json:"requester"`
	Approvers  []models.Principal  `json:"approvers"`
	Mode       models.ApprovalMode `json:"mode"`
}

func (RequestCreated) EventType() string { return TypeRequestCreated }

type StepApproved struct {
	ID           string           `json:"id"`
	Approver     models.Principal `json:"approver"`
	SignatureRef string           `json:"signatureRef,omitempty"`
}

func (StepApproved) EventType() string { return TypeStepApproved }

type RequestApproved struct {
	ID string `json:"id"`
}

func (RequestApproved) EventType() string { return TypeRequestApproved }

type RequestRejected struct {
	ID       string           `json:"id"`
	Approver models.Principal `json:"approver"`
	Reason   string           `json:"reason"`
}

func (RequestRejected) EventType() string { return TypeRequestRejected }

type RequestCancelled struct {
	ID string `json:"id"`
}

func (RequestCancelled) EventType() string { return TypeRequestCancelled }

type RequestExpired struct {
	ID string `json:"id"`
}

func (RequestExpired) EventType() string { return TypeRequestExpired }

type RoleGranted struct {
	Principal models.Principal `json:"principal"`
	Role      models.Role      `json:"role"`
	By        models.Principal `json:"by"`
}

func (RoleGranted) EventType() string { return TypeRoleGranted }

type RoleRevoked struct {
	Principal models.Principal `json:"principal"`
	Role      models.Role      `json:"role"`
	By        models.Principal `json:"by"`
}

func (RoleRevoked) EventType() string { return TypeRoleRevoked }

type Paused struct {
	By models.Principal `json:"by"`
}

func (Paused) EventType() string { return TypePaused }

type Unpaused struct {
	By models.Principal `json:"by"`
}

func (Unpaused) EventType() string { return TypeUnpaused }

type DocumentManagerUpdated struct {
	Ref string           `json:"ref"`
	By  models.Principal `json:"by"`
}

func (DocumentManagerUpdated) EventType() string { return TypeDocumentManagerUpdated }
