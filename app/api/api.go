package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"mesflow/app/config"
	"mesflow/app/metrics"
	"mesflow/app/objects"
	"mesflow/app/workflow"
	"mesflow/pkg/contextx"
	"mesflow/pkg/log"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

type Res struct {
	Code int         `json:"code"`
	Msg  string      `json:"message,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// Server exposes the engine over JSON. Authentication sits in front of it;
// the actor identity arrives in headers and request bodies.
type Server struct {
	cfg        config.APIConfig
	store      *workflow.DefinitionStore
	engine     *workflow.Engine
	aggregator *metrics.Aggregator
	window     time.Duration

	httpServer *http.Server
}

func NewServer(cfg config.APIConfig, store *workflow.DefinitionStore, engine *workflow.Engine, aggregator *metrics.Aggregator, window time.Duration) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		aggregator: aggregator,
		window:     window,
	}
}

func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()

	router.POST("/v1/definitions", s.publishDefinition)
	router.GET("/v1/definitions/:id", s.getDefinition)
	router.POST("/v1/definitions/:id/versions", s.newVersion)

	router.POST("/v1/instances", s.createInstance)
	router.GET("/v1/instances/:id", s.getInstance)
	router.GET("/v1/instances/:id/history", s.getHistory)
	router.POST("/v1/instances/:id/decisions", s.submitDecision)
	router.POST("/v1/instances/:id/cancel", s.cancelInstance)
	router.POST("/v1/instances/:id/escalation", s.resolveEscalation)

	router.GET("/v1/metrics", s.getMetrics)
	return router
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	log.Infof(nil, "api server listening on %s", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx *contextx.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestContext(w http.ResponseWriter, r *http.Request) *contextx.Context {
	ctx := contextx.NewContext()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = fmt.Sprintf("wf-req-%s", uuid.NewString())
	}
	ctx.Set("requestId", requestID)
	if projectID := r.Header.Get("X-Project-Id"); projectID != "" {
		ctx.Set("project_id", projectID)
	}
	if actor := r.Header.Get("X-Actor"); actor != "" {
		ctx.Set("actor", actor)
	}
	w.Header().Set("X-Request-Id", requestID)
	return ctx
}

func writeRes(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body, _ := json.Marshal(Res{Code: code, Msg: msg, Data: data})
	w.Write(body)
}

func writeErr(ctx *contextx.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Errorf(ctx, "request failed, error: %s", err.Error())
	}
	writeRes(w, code, err.Error(), nil)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, objects.ErrDefinitionNotFound),
		errors.Is(err, objects.ErrInstanceNotFound),
		errors.Is(err, objects.ErrAssignmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, objects.ErrAlreadyDecided),
		errors.Is(err, objects.ErrInstanceNotActive),
		errors.Is(err, objects.ErrInstanceTerminal),
		errors.Is(err, objects.ErrDefinitionLocked):
		return http.StatusConflict
	case errors.Is(err, objects.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, objects.ErrInvalidDefinition),
		errors.Is(err, objects.ErrSignatureRequired),
		errors.Is(err, objects.ErrDelegationDenied),
		errors.Is(err, objects.ErrNotEscalated),
		errors.Is(err, objects.ErrNoEligibleApprover):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func readBody(r *http.Request, out interface{}) error {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Definition documents arrive in the same shape the YAML loader accepts;
// JSON is a YAML subset so one parser serves both.
func (s *Server) publishDefinition(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := requestContext(w, r)

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	def, stages, wfRules, err := workflow.LoadDefinitionYAML(body)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := s.store.PublishDefinition(ctx, def, stages, wfRules); err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"definition_id": def.ID,
		"version":       def.Version,
		"content_hash":  def.ContentHash,
	})
}

func (s *Server) newVersion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	def, stages, wfRules, err := workflow.LoadDefinitionYAML(body)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := s.store.NewVersion(ctx, ps.ByName("id"), def, stages, wfRules); err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"definition_id": def.ID,
		"version":       def.Version,
	})
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	def, err := s.store.GetDefinition(ctx, ps.ByName("id"))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	stages, err := s.store.ListStages(ctx, def.ID)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	wfRules, err := s.store.ListRules(ctx, def.ID)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"definition": def.WorkflowDefinition,
		"stages":     rawStages(stages),
		"rules":      rawRules(wfRules),
	})
}

type createInstanceReq struct {
	DefinitionID string                 `json:"definition_id"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	Context      map[string]interface{} `json:"context"`
	Priority     int                    `json:"priority"`
	ImpactLevel  string                 `json:"impact_level"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := requestContext(w, r)

	req := createInstanceReq{}
	if err := readBody(r, &req); err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.DefinitionID == "" || req.EntityType == "" || req.EntityID == "" {
		writeRes(w, http.StatusBadRequest, "definition_id, entity_type and entity_id are required", nil)
		return
	}

	instance, err := s.engine.CreateInstance(ctx, workflow.CreateRequest{
		DefinitionID: req.DefinitionID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Context:      req.Context,
		Priority:     req.Priority,
		ImpactLevel:  req.ImpactLevel,
	})
	if err != nil {
		// A no-approver park still creates the instance; hand back its id so
		// the caller can resolve the escalation.
		if instance != nil {
			writeRes(w, statusFor(err), err.Error(), map[string]interface{}{
				"instance_id":         instance.ID,
				"status":              instance.Status,
				"escalation_required": instance.EscalationRequired,
			})
			return
		}
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"instance_id":   instance.ID,
		"status":        instance.Status,
		"current_stage": instance.CurrentStage,
	})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	status, err := s.engine.GetInstanceStatus(ctx, ps.ByName("id"))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}

	var stages []interface{}
	for _, si := range status.StageInstances {
		stages = append(stages, si.WorkflowStageInstance)
	}
	var pending []interface{}
	for _, a := range status.PendingAssignments {
		pending = append(pending, a.WorkflowAssignment)
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"instance":            status.Instance.WorkflowInstance,
		"stage_instances":     stages,
		"pending_assignments": pending,
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	history, err := s.engine.GetHistory(ctx, ps.ByName("id"))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	var events []interface{}
	for _, h := range history {
		events = append(events, h.WorkflowHistory)
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{"events": events})
}

type decisionReq struct {
	AssignmentID string `json:"assignment_id"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	Comments     string `json:"comments"`
	SignatureRef string `json:"signature_ref"`

	DelegateTo       string    `json:"delegate_to"`
	DelegationExpiry time.Time `json:"delegation_expiry"`
}

func (s *Server) submitDecision(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	req := decisionReq{}
	if err := readBody(r, &req); err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	outcome, err := s.engine.SubmitDecision(ctx, workflow.DecisionRequest{
		InstanceID:   ps.ByName("id"),
		AssignmentID: req.AssignmentID,
		ActorID:      req.Actor,
		Action:       req.Action,
		Comments:     req.Comments,
		SignatureRef: req.SignatureRef,

		DelegateTo:       req.DelegateTo,
		DelegationExpiry: req.DelegationExpiry,
	})
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", map[string]interface{}{
		"stage_decided": outcome.Decided,
		"stage_outcome": outcome.Outcome,
	})
}

type cancelReq struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) cancelInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	req := cancelReq{}
	if err := readBody(r, &req); err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.engine.CancelInstance(ctx, ps.ByName("id"), req.Actor, req.Reason); err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", nil)
}

type escalationReq struct {
	Actor      string `json:"actor"`
	Resolution string `json:"resolution"`
	Comments   string `json:"comments"`
}

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx := requestContext(w, r)

	req := escalationReq{}
	if err := readBody(r, &req); err != nil {
		writeRes(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.engine.ResolveEscalation(ctx, ps.ByName("id"), req.Actor, req.Resolution, req.Comments); err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", nil)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := requestContext(w, r)

	since := time.Now().UTC().Add(-s.window)
	report, err := s.aggregator.Aggregate(ctx, r.URL.Query().Get("definition_id"), since)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeRes(w, http.StatusOK, "", report)
}

func rawStages(stages []*objects.Stage) []interface{} {
	var out []interface{}
	for _, stage := range stages {
		out = append(out, stage.Stage)
	}
	return out
}

func rawRules(wfRules []*objects.WorkflowRule) []interface{} {
	var out []interface{}
	for _, rule := range wfRules {
		out = append(out, rule.WorkflowRule)
	}
	return out
}
