package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/switchboard/internal/backend"
	"github.com/antoniostano/switchboard/internal/calllog"
	"github.com/antoniostano/switchboard/internal/carrier"
	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/dialog"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/reliability"
	"github.com/antoniostano/switchboard/internal/session"
)

const (
	apologyMessage = "I'm sorry, something went wrong on our side. Please try again later. Goodbye."
	expiredMessage = "Your session has expired. Please call again. Goodbye."
)

// terminalStatuses are the carrier call states after which the call leg is
// gone for good.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
	"failed":    true,
}

type Server struct {
	cfg      config.Config
	registry *session.Registry
	engine   *dialog.Engine
	carrier  *carrier.Client
	backend  *backend.Client
	turns    calllog.Store
	metrics  *observability.Metrics
}

func New(cfg config.Config, registry *session.Registry, engine *dialog.Engine, carrierClient *carrier.Client, backendClient *backend.Client, turns calllog.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		carrier:  carrierClient,
		backend:  backendClient,
		turns:    turns,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/twilio/incoming_callback", s.handleIncomingCall)
	r.Post("/twilio/status_callback", s.handleCallStatus)
	r.Post("/twilio/transcription_callback", s.handleTranscription)
	r.Post("/twilio/partial_callback", s.handlePartial)
	r.Post("/twilio/stream_callback", s.handleStreamPoll)

	r.Post("/call", s.handleOutboundCall)
	r.Get("/call/{sid}/log", s.handleCallLog)
	r.Get("/numbers", s.handleListNumbers)
	r.Post("/numbers/{sid}/webhook", s.handleUpdateNumberWebhook)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	return r
}

func (s *Server) prompt() carrier.PromptConfig {
	return carrier.PromptConfig{
		WebhookURL:    s.cfg.WebhookBaseURL,
		Voice:         s.cfg.Voice,
		Language:      s.cfg.Language,
		SpeechModel:   s.cfg.SpeechModel,
		GatherTimeout: s.cfg.GatherTimeout,
	}
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhookEvents.WithLabelValues("incoming").Inc()
	callSID := r.PostFormValue("CallSid")
	caller := r.PostFormValue("From")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	greeting, err := s.engine.HandleIncomingCall(r.Context(), callSID, caller)
	if err != nil {
		log.Printf("httpapi: open session for call %s failed: %v", callSID, err)
		s.metrics.BackendErrors.WithLabelValues("open_session").Inc()
		respondTwiML(w, carrier.HangupResponse(apologyMessage, s.prompt()))
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.registry.Count()))

	// The greeting goes out with this response; the in-progress status
	// callback must not speak it again.
	_ = s.registry.UpdateByConversation(callSID, func(sess *session.Session) {
		sess.Metadata["greeting_sent"] = "true"
	})
	respondTwiML(w, carrier.VoiceResponse(greeting, s.prompt(), "auto"))
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhookEvents.WithLabelValues("status").Inc()
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")

	switch {
	case status == "in-progress":
		s.deliverGreeting(r, callSID)
	case terminalStatuses[status]:
		s.engine.EndCall(r.Context(), callSID, status)
		s.metrics.ActiveSessions.Set(float64(s.registry.Count()))
	}
	w.WriteHeader(http.StatusOK)
}

// deliverGreeting speaks the stored greeting into an answered outbound
// call by rewriting its in-flight TwiML.
func (s *Server) deliverGreeting(r *http.Request, callSID string) {
	snap, err := s.registry.GetByConversation(callSID)
	if err != nil {
		return
	}
	greeting := snap.Metadata["greeting"]
	if greeting == "" || snap.Metadata["greeting_sent"] == "true" {
		return
	}
	if err := s.carrier.UpdateCallWithRetry(r.Context(), callSID, carrier.VoiceResponse(greeting, s.prompt(), "auto")); err != nil {
		log.Printf("httpapi: greeting update for call %s failed: %v", callSID, err)
		return
	}
	_ = s.registry.UpdateByConversation(callSID, func(sess *session.Session) {
		sess.Metadata["greeting_sent"] = "true"
	})
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhookEvents.WithLabelValues("transcription").Inc()
	callSID := r.PostFormValue("CallSid")
	text := r.PostFormValue("SpeechResult")

	act, err := s.engine.HandleFinal(r.Context(), callSID, text)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondTwiML(w, carrier.HangupResponse(expiredMessage, s.prompt()))
	case err != nil:
		log.Printf("httpapi: run for call %s failed: %v", callSID, err)
		s.metrics.BackendErrors.WithLabelValues("run").Inc()
		respondTwiML(w, carrier.HangupResponse(apologyMessage, s.prompt()))
	default:
		respondTwiML(w, s.renderAction(act))
	}
}

func (s *Server) handlePartial(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhookEvents.WithLabelValues("partial").Inc()
	callSID := r.PostFormValue("CallSid")
	text := r.PostFormValue("UnstableSpeechResult")

	s.engine.HandlePartial(r.Context(), callSID, text)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStreamPoll(w http.ResponseWriter, r *http.Request) {
	s.metrics.WebhookEvents.WithLabelValues("stream").Inc()
	callSID := r.PostFormValue("CallSid")

	act, err := s.engine.DrainStream(r.Context(), callSID)
	if err != nil {
		respondTwiML(w, carrier.HangupResponse(expiredMessage, s.prompt()))
		return
	}
	respondTwiML(w, s.renderAction(act))
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.To) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "field to is required"})
		return
	}

	sessionID, _, err := s.engine.PrepareOutboundCall(r.Context(), req.To)
	if err != nil {
		log.Printf("httpapi: outbound session open failed: %v", err)
		s.metrics.BackendErrors.WithLabelValues("open_session").Inc()
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "backend unavailable"})
		return
	}

	// Hold the line until the in-progress status callback delivers the
	// greeting prompt.
	holdTwiML := carrier.NewTwiML().Pause(60).Build()
	call, err := s.carrier.CreateCallWithRetry(r.Context(), req.To, s.cfg.TwilioFromNumber, holdTwiML, s.cfg.WebhookBaseURL+"/status_callback")
	if err != nil {
		log.Printf("httpapi: create call to %s failed: %v", req.To, err)
		if removed, rerr := s.registry.Remove(sessionID); rerr == nil && removed.BackendSessionID != "" {
			_ = s.backend.CloseSessionWithRetry(r.Context(), removed.BackendSessionID, "failed")
		}
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "carrier unavailable"})
		return
	}
	if err := s.registry.BindConversation(sessionID, call.SID); err != nil {
		log.Printf("httpapi: bind call %s failed: %v", call.SID, err)
	}
	// Tell the backend which carrier call its session now belongs to, so
	// its side of the transcript is keyed consistently.
	if snap, err := s.registry.Get(sessionID); err == nil && snap.BackendSessionID != "" {
		if err := s.backend.UpdateSession(r.Context(), snap.BackendSessionID, call.SID); err != nil {
			log.Printf("httpapi: backend session update for call %s failed: %v", call.SID, err)
		}
	}
	s.metrics.ActiveSessions.Set(float64(s.registry.Count()))

	respondJSON(w, http.StatusCreated, map[string]string{
		"call_sid":   call.SID,
		"session_id": sessionID,
	})
}

func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "call logging disabled"})
		return
	}
	callSID := chi.URLParam(r, "sid")
	turns, err := s.turns.CallHistory(r.Context(), callSID, 100)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = []calllog.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"call_sid": callSID, "turns": turns})
}

func (s *Server) handleListNumbers(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.carrier.ListPhoneNumbers(r.Context(), r.URL.Query().Get("phone_number"))
	if err != nil {
		log.Printf("httpapi: list numbers failed: %v", err)
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "carrier unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"numbers": numbers})
}

func (s *Server) handleUpdateNumberWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VoiceURL string `json:"voice_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.VoiceURL) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "field voice_url is required"})
		return
	}
	if err := s.carrier.UpdatePhoneNumber(r.Context(), chi.URLParam(r, "sid"), req.VoiceURL); err != nil {
		log.Printf("httpapi: update number webhook failed: %v", err)
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "carrier unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backendStatus := "UP"
	err := s.backend.RunCommand(r.Context(), "", "HEALTH_CHECK", nil)
	switch {
	case errors.Is(err, reliability.ErrCircuitOpen):
		backendStatus = "UNKNOWN"
	case err != nil:
		backendStatus = "DOWN"
	}

	status := "UP"
	code := http.StatusOK
	if backendStatus == "DOWN" {
		status = "DOWN"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"backend":         backendStatus,
		"active_sessions": s.registry.Count(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) renderAction(act dialog.Action) string {
	p := s.prompt()
	switch act.Kind {
	case dialog.ActionSpeakHangup:
		return carrier.HangupResponse(act.Text, p)
	case dialog.ActionPlayDigits:
		return carrier.DigitsResponse(act.Digits, p, "auto")
	case dialog.ActionPoll:
		return carrier.PollResponse(act.Text, p, 1)
	case dialog.ActionHangup:
		return carrier.HangupResponse(expiredMessage, p)
	default:
		return carrier.VoiceResponse(act.Text, p, "auto")
	}
}

func respondTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
