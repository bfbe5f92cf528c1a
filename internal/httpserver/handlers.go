package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ILLUVRSE/docflow/internal/engine"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/models"
)

type createRequestBody struct {
	DocumentID   string     `json:"documentId" validate:"required"`
	ContentRef   string     `json:"contentRef"`
	Approvers    []string   `json:"approvers" validate:"required,min=1,dive,required"`
	ApprovalMode string     `json:"approvalMode" validate:"required,oneof=SEQUENTIAL PARALLEL"`
	DecisionMode string     `json:"decisionMode" validate:"omitempty,oneof=STANDARD DIGITAL_SIGNATURE"`
	Priority     string     `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	Expiry       *time.Time `json:"expiry"`
	Version      string     `json:"version"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	approvers := make([]models.Principal, len(body.Approvers))
	for i, a := range body.Approvers {
		approvers[i] = models.Principal(a)
	}
	id, err := s.engine.Create(r.Context(), engine.CreateInput{
		Requester:    principal(r),
		DocumentID:   body.DocumentID,
		ContentRef:   body.ContentRef,
		Approvers:    approvers,
		ApprovalMode: models.ApprovalMode(body.ApprovalMode),
		DecisionMode: models.DecisionMode(body.DecisionMode),
		Priority:     models.Priority(body.Priority),
		Expiry:       body.Expiry,
		Version:      body.Version,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(models.StatusPending)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.engine.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

type decisionBody struct {
	Decision     string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	SignatureRef string `json:"signatureRef"`
	Comment      string `json:"comment" validate:"max=4096"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !decodeBody(w, r, &body) {
		return
	}
	snap, err := s.engine.Decide(r.Context(), chi.URLParam(r, "id"), principal(r), engine.DecisionInput{
		Decision:     models.Decision(body.Decision),
		SignatureRef: body.SignatureRef,
		Comment:      body.Comment,
	})
	if errs.KindOf(err) == errs.ErrExpired {
		// The request was expired by this call; return its final state with the error.
		respondJSON(w, http.StatusGone, map[string]interface{}{
			"error":    err.Error(),
			"code":     "expired",
			"snapshot": snap,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id, principal(r)); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Expire(r.Context(), id, principal(r)); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePrincipalRequests(w http.ResponseWriter, r *http.Request) {
	p := models.Principal(chi.URLParam(r, "principal"))
	as := r.URL.Query().Get("as")
	var (
		ids []string
		err error
	)
	switch as {
	case "", "requester":
		as = "requester"
		ids, err = s.engine.ByRequester(r.Context(), p)
	case "approver":
		ids, err = s.engine.ByApprover(r.Context(), p)
	default:
		respondError(w, http.StatusBadRequest, "bad_request", "as must be requester or approver")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"principal": p, "as": as, "requestIds": nonNil(ids)})
}

func (s *Server) handleDocumentRequests(w http.ResponseWriter, r *http.Request) {
	doc := chi.URLParam(r, "documentId")
	ids, err := s.engine.ByDocument(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"documentId": doc, "requestIds": nonNil(ids)})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *Server) handleRolesOf(w http.ResponseWriter, r *http.Request) {
	p := models.Principal(chi.URLParam(r, "principal"))
	rs, err := s.roles.RolesOf(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rs == nil {
		rs = []models.Role{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"principal": p, "roles": rs})
}

type roleBody struct {
	Principal string `json:"principal" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=ADMIN FACULTY STUDENT VERIFIER"`
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, true)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, false)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, grant bool) {
	var body roleBody
	if !decodeBody(w, r, &body) {
		return
	}
	p, role := models.Principal(body.Principal), models.Role(body.Role)
	var err error
	if grant {
		err = s.roles.Grant(r.Context(), principal(r), p, role)
	} else {
		err = s.roles.Revoke(r.Context(), principal(r), p, role)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	rs, err := s.roles.RolesOf(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rs == nil {
		rs = []models.Role{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"principal": p, "roles": rs})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Pause(r.Context(), principal(r)); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAdminState(w, r)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Unpause(r.Context(), principal(r)); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAdminState(w, r)
}

type documentManagerBody struct {
	Ref string `json:"ref" validate:"required"`
}

func (s *Server) handleSetDocumentManager(w http.ResponseWriter, r *http.Request) {
	var body documentManagerBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.admin.SetDocumentManagerRef(r.Context(), principal(r), body.Ref); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondAdminState(w, r)
}

func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	s.respondAdminState(w, r)
}

func (s *Server) respondAdminState(w http.ResponseWriter, r *http.Request) {
	state, err := s.admin.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}
