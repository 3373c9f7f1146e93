package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowpilot/pkg/schema"
)

const maxRequestBody = 1 << 20

// Handler serves the authority's HTTP contract:
//
//	GET  /workflow/{serviceType}
//	POST /workflow/execute-step
//	POST /workflow/decision
//	GET  /workflow/push          (WebSocket, when a Broadcaster is configured)
func (l *Local) Handler(tp trace.TracerProvider) http.Handler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s := &server{local: l, tracer: tp.Tracer("github.com/rendis/flowpilot/internal/authority")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/execute-step", s.handleExecuteStep)
	mux.HandleFunc("POST /workflow/decision", s.handleDecision)
	if l.push != nil {
		mux.Handle("GET /workflow/push", l.push)
	}
	mux.HandleFunc("GET /workflow/{serviceType}", s.handleDefinition)
	return mux
}

type server struct {
	local  *Local
	tracer trace.Tracer
}

func (s *server) handleDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.local.FetchDefinition(r.Context(), r.PathValue("serviceType"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, schema.DefinitionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schema.DefinitionResponse{Success: true, Definition: def})
}

func (s *server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req schema.StepRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, schema.StepResponse{Error: err.Error()})
		return
	}
	if req.Session == nil {
		req.Session = sessionFromHeaders(r.Header)
	}

	ctx, span := s.tracer.Start(ctx, "flowpilot.authority.execute_step",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("flowpilot.execution_id", req.ExecutionID),
			attribute.String("flowpilot.step_id", req.StepID),
			attribute.String("flowpilot.service_type", req.ServiceType),
		))
	defer span.End()

	res, err := s.local.ExecuteStep(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, schema.CodeOf(err))
		writeJSON(w, http.StatusOK, schema.StepResponse{Error: err.Error()})
		return
	}
	span.SetAttributes(attribute.String("flowpilot.next_step", res.NextStepID))
	writeJSON(w, http.StatusOK, schema.StepResponse{Success: true, Result: res})
}

func (s *server) handleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var sub schema.DecisionSubmission
	if err := decode(r, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, schema.AckResponse{Error: err.Error()})
		return
	}
	if sub.WorkflowID == "" {
		writeJSON(w, http.StatusBadRequest, schema.AckResponse{Error: "workflowId is required"})
		return
	}
	if err := s.local.SubmitDecision(ctx, sub); err != nil {
		writeJSON(w, http.StatusOK, schema.AckResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schema.AckResponse{Success: true})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func sessionFromHeaders(h http.Header) *schema.Session {
	s := &schema.Session{
		ID:       h.Get("X-Session-Id"),
		UserID:   h.Get("X-User-Id"),
		ViewMode: h.Get("X-View-Mode"),
	}
	if s.ID == "" && s.UserID == "" && s.ViewMode == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
