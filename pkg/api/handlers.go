package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/observability"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"
)

type idResponse struct {
	ExecutionID uint64 `json:"execution_id"`
}

// caller is set by Authenticate on every protected route.
func caller(r *http.Request) string {
	c, _ := CallerFrom(r.Context())
	return c
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		WriteBadRequest(w, "execution id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) done(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ownership.

func (s *Server) getOwner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":      s.orch.Owner(),
		"sub_owners": s.orch.SubOwners(),
		"role":       s.orch.RoleOf(caller(r)).String(),
		"address":    s.orch.Address(),
	})
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwner string `json:"new_owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.done(w, r, s.orch.TransferOwnership(r.Context(), caller(r), req.NewOwner))
}

func (s *Server) addSubOwner(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.AddSubOwner(r.Context(), caller(r), chi.URLParam(r, "addr")))
}

func (s *Server) removeSubOwner(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.RemoveSubOwner(r.Context(), caller(r), chi.URLParam(r, "addr")))
}

// Authorizations.

func (s *Server) listAuthorizations(w http.ResponseWriter, r *http.Request) {
	auths, err := s.orch.Authorizations(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auths)
}

func (s *Server) createAuthorizations(w http.ResponseWriter, r *http.Request) {
	var auths []policy.Authorization
	if !decode(w, r, &auths) {
		return
	}
	if err := s.orch.CreateAuthorizations(r.Context(), caller(r), auths...); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) modifyAuthorization(w http.ResponseWriter, r *http.Request) {
	var m policy.Modification
	if !decode(w, r, &m) {
		return
	}
	m.Label = chi.URLParam(r, "label")
	a, err := s.orch.ModifyAuthorization(r.Context(), caller(r), m)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) enableAuthorization(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.EnableAuthorization(r.Context(), caller(r), chi.URLParam(r, "label")))
}

func (s *Server) disableAuthorization(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.DisableAuthorization(r.Context(), caller(r), chi.URLParam(r, "label")))
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Grants []policy.Grant `json:"grants"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.done(w, r, s.orch.MintAuthorization(r.Context(), caller(r), chi.URLParam(r, "label"), req.Grants...))
}

type sendRequest struct {
	Messages   []contracts.Message `json:"messages"`
	Expiration *contracts.Bound    `json:"expiration,omitempty"`
}

func (s *Server) sendMsgs(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	var opts []authorization.SendOption
	if req.Expiration != nil {
		opts = append(opts, authorization.WithExpiration(*req.Expiration))
	}
	id, err := s.orch.SendMsgs(r.Context(), caller(r), chi.URLParam(r, "label"), req.Messages, opts...)
	if err != nil && id == 0 {
		WriteDomainError(w, r, err)
		return
	}
	if err != nil {
		// Admitted, but dispatch failed and the execution already settled.
		s.logger.WarnContext(r.Context(), "dispatch failed after admission", "execution_id", id, "error", err)
	}
	writeJSON(w, http.StatusAccepted, idResponse{ExecutionID: id})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.orch.Check(r.Context(), caller(r), chi.URLParam(r, "label"), req.Messages)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Executions.

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{Label: q.Get("label"), Initiator: q.Get("initiator"), OpenOnly: q.Get("open") == "true"}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	recs, err := s.orch.Executions(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.orch.Execution(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) executionTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.timeline == nil {
		WriteNotFound(w, "timeline is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.timeline.Query(observability.TimelineQuery{ExecutionID: id}))
}

func (s *Server) executionArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.archiver == nil {
		WriteNotFound(w, "archive is not enabled")
		return
	}
	hash, ok := s.archiver.Lookup(id)
	if !ok {
		WriteNotFound(w, fmt.Sprintf("execution %d is not archived", id))
		return
	}
	rec, err := s.archiver.Load(r.Context(), hash)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "record": rec})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.done(w, r, s.orch.RetryBridgeTimeout(r.Context(), id))
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var cb contracts.Callback
	if !decode(w, r, &cb) {
		return
	}
	s.done(w, r, s.orch.HandleCallback(r.Context(), caller(r), cb))
}

// ZK.

func (s *Server) addZK(w http.ResponseWriter, r *http.Request) {
	var auths []zk.Authorization
	if !decode(w, r, &auths) {
		return
	}
	if err := s.orch.AddZKAuthorizations(r.Context(), caller(r), auths...); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) removeZK(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.RemoveZKAuthorizations(r.Context(), caller(r), chi.URLParam(r, "label")))
}

func (s *Server) executeZK(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs []byte `json:"inputs"`
		Proof  []byte `json:"proof"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.orch.ExecuteZKMessage(r.Context(), caller(r), req.Inputs, req.Proof)
	if err != nil && id == 0 {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResponse{ExecutionID: id})
}

// Processor administration through the orchestrator.

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.PauseProcessor(r.Context(), caller(r), chi.URLParam(r, "domain")))
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.done(w, r, s.orch.ResumeProcessor(r.Context(), caller(r), chi.URLParam(r, "domain")))
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	var req authorization.InsertRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.orch.InsertMessages(r.Context(), caller(r), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResponse{ExecutionID: id})
}

func (s *Server) evict(w http.ResponseWriter, r *http.Request) {
	var req processor.EvictRequest
	if !decode(w, r, &req) {
		return
	}
	s.done(w, r, s.orch.EvictMessages(r.Context(), caller(r), chi.URLParam(r, "domain"), req.Priority.OrDefault(), req.Position))
}

func (s *Server) evictAwaiting(w http.ResponseWriter, r *http.Request) {
	var req idResponse
	if !decode(w, r, &req) {
		return
	}
	s.done(w, r, s.orch.EvictAwaiting(r.Context(), caller(r), chi.URLParam(r, "domain"), req.ExecutionID))
}

// Local processors.

func (s *Server) localProcessor(w http.ResponseWriter, r *http.Request) (*processor.Processor, bool) {
	domain := chi.URLParam(r, "domain")
	p, ok := s.processors[domain]
	if !ok {
		WriteNotFound(w, "no local processor for domain "+domain)
	}
	return p, ok
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	p, ok := s.localProcessor(w, r)
	if !ok {
		return
	}
	rep, err := p.Tick(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) processorStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.localProcessor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) processorQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := s.localProcessor(w, r)
	if !ok {
		return
	}
	prio := contracts.Priority(chi.URLParam(r, "priority"))
	if prio != contracts.PriorityHigh && prio != contracts.PriorityMedium {
		WriteBadRequest(w, "priority must be high or medium")
		return
	}
	queue := p.Queue(prio)
	if queue == nil {
		queue = []contracts.MessageBatch{}
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	p, ok := s.localProcessor(w, r)
	if !ok {
		return
	}
	var req struct {
		ExecutionID uint64 `json:"execution_id"`
		Payload     []byte `json:"payload,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.done(w, r, p.Confirm(r.Context(), caller(r), req.ExecutionID, req.Payload))
}

func (s *Server) sloStatus(w http.ResponseWriter, _ *http.Request) {
	if s.slo == nil {
		writeJSON(w, http.StatusOK, []observability.ObjectiveStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.slo.Statuses())
}
