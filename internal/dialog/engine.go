package dialog

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/switchboard/internal/backend"
	"github.com/antoniostano/switchboard/internal/calllog"
	"github.com/antoniostano/switchboard/internal/session"
	"github.com/antoniostano/switchboard/internal/stream"
)

// ActionKind tells the webhook layer how to answer the carrier.
type ActionKind int

const (
	// ActionSpeak says the text and keeps listening for the caller.
	ActionSpeak ActionKind = iota
	// ActionSpeakHangup says the text and then ends the call.
	ActionSpeakHangup
	// ActionPlayDigits keys a DTMF code into the call, then keeps listening.
	ActionPlayDigits
	// ActionPoll says any text gathered so far, pauses briefly and
	// redirects back to the stream poll endpoint for the rest.
	ActionPoll
	// ActionHangup ends the call immediately.
	ActionHangup
)

// Action is the engine's decision for one webhook event.
type Action struct {
	Kind   ActionKind
	Text   string
	Digits string
}

const (
	speculateTimeout = 30 * time.Second
	defaultPollWait  = time.Second
)

// Config wires an Engine.
type Config struct {
	Registry *session.Registry
	Backend  *backend.Client
	Streams  *stream.Manager
	Turns    calllog.Store // optional, best-effort transcript logging

	PartialProcessing bool
	PollWait          time.Duration

	OnSpeculative func(outcome string) // metrics hook, may be nil
}

// Engine decides, per inbound transcript or stream event, what the call
// should do next. Partial transcripts drive speculative backend
// generation; the final transcript either confirms the speculation or
// replaces it.
type Engine struct {
	registry *session.Registry
	backend  *backend.Client
	streams  *stream.Manager
	turns    calllog.Store

	partialProcessing bool
	pollWait          time.Duration

	onSpeculative func(string)
}

func NewEngine(cfg Config) *Engine {
	wait := cfg.PollWait
	if wait <= 0 {
		wait = defaultPollWait
	}
	return &Engine{
		registry:          cfg.Registry,
		backend:           cfg.Backend,
		streams:           cfg.Streams,
		turns:             cfg.Turns,
		partialProcessing: cfg.PartialProcessing,
		pollWait:          wait,
		onSpeculative:     cfg.OnSpeculative,
	}
}

// HandleIncomingCall registers the call and opens its backend session.
// Returns the greeting to speak to the caller.
func (e *Engine) HandleIncomingCall(ctx context.Context, callSID, caller string) (string, error) {
	s := e.registry.Create(callSID, caller)
	return e.openBackendSession(ctx, s.ID, callSID, caller)
}

// PrepareOutboundCall registers a session for a call that does not have a
// carrier id yet. The caller binds the call sid once the carrier assigns
// one.
func (e *Engine) PrepareOutboundCall(ctx context.Context, to string) (sessionID, greeting string, err error) {
	s := e.registry.Create("", to)
	greeting, err = e.openBackendSession(ctx, s.ID, "", to)
	if err != nil {
		return "", "", err
	}
	return s.ID, greeting, nil
}

func (e *Engine) openBackendSession(ctx context.Context, sessionID, callSID, caller string) (string, error) {
	res, err := e.backend.OpenSession(ctx, callSID, caller)
	if err != nil {
		_, _ = e.registry.Remove(sessionID)
		return "", err
	}
	backendID := res.Session.SessionID

	var greeting string
	if res.Metadata.InitializationResponse != nil {
		greeting = res.Metadata.InitializationResponse.Greeting
	}
	_ = e.registry.Update(sessionID, func(s *session.Session) {
		s.BackendSessionID = backendID
		if greeting != "" {
			s.Metadata["greeting"] = greeting
		}
	})

	e.streams.GetOrCreate(sessionID, backendID)
	return greeting, nil
}

// HandlePartial feeds an unstable transcript into the speculative path.
// It never blocks the webhook on backend I/O and never returns an error
// to it; start failures only reset the generation flag.
func (e *Engine) HandlePartial(_ context.Context, callSID, transcript string) {
	if !e.partialProcessing {
		return
	}
	trimmed := strings.TrimSpace(transcript)
	if !EndsSentence(trimmed) {
		return
	}
	norm := Normalize(trimmed)

	var (
		backendID     string
		sessionID     string
		rollbackFirst bool
		skip          bool
	)
	err := e.registry.UpdateByConversation(callSID, func(s *session.Session) {
		if s.SessionEnding || s.RunInProgress {
			skip = true
			return
		}
		if s.GenerationInProgress && Normalize(s.LastUnstableTranscript) == norm {
			skip = true
			return
		}
		rollbackFirst = s.GenerationInProgress
		s.GenerationInProgress = true
		s.SpeechInProgress = true
		s.LastUnstableTranscript = trimmed
		sessionID = s.ID
		backendID = s.BackendSessionID
	})
	if err != nil || skip || backendID == "" {
		if skip {
			e.emit("duplicate")
		}
		return
	}

	go e.speculate(sessionID, backendID, trimmed, rollbackFirst)
}

func (e *Engine) speculate(sessionID, backendID, text string, rollbackFirst bool) {
	ctx, cancel := context.WithTimeout(context.Background(), speculateTimeout)
	defer cancel()

	if rollbackFirst {
		if err := e.backend.Rollback(ctx, backendID); err != nil {
			log.Printf("dialog: rollback before restart failed for session %s: %v", sessionID, err)
		}
	}
	if err := e.backend.Start(ctx, backendID, text); err != nil {
		log.Printf("dialog: speculative start failed for session %s: %v", sessionID, err)
		// A newer partial may own the flag by now; only clear it if this
		// failure is for the transcript the session still tracks.
		_ = e.registry.Update(sessionID, func(s *session.Session) {
			if s.LastUnstableTranscript == text {
				s.GenerationInProgress = false
			}
		})
		e.emit("start_failed")
		return
	}
	e.emit("started")
}

type finalMode int

const (
	runFresh finalMode = iota
	rollbackThenRun
	commitSpeculative
)

// HandleFinal resolves the final transcript against any in-flight
// speculative generation and blocks on the backend's answer.
func (e *Engine) HandleFinal(ctx context.Context, callSID, transcript string) (Action, error) {
	snap, err := e.registry.GetByConversation(callSID)
	if err != nil {
		return Action{}, err
	}
	if snap.SessionEnding {
		return Action{Kind: ActionHangup}, nil
	}
	norm := Normalize(transcript)

	mode := runFresh
	err = e.registry.Update(snap.ID, func(s *session.Session) {
		switch {
		case s.GenerationInProgress && Normalize(s.LastUnstableTranscript) == norm:
			mode = commitSpeculative
		case s.GenerationInProgress:
			mode = rollbackThenRun
		}
		s.GenerationInProgress = false
		s.SpeechInProgress = false
		s.LastUnstableTranscript = ""
		s.RunInProgress = true
	})
	if err != nil {
		return Action{}, err
	}

	backendID := snap.BackendSessionID
	var res backend.RunResult
	switch mode {
	case commitSpeculative:
		res, err = e.backend.Commit(ctx, backendID)
		if err != nil {
			log.Printf("dialog: commit failed for session %s, rerunning: %v", snap.ID, err)
			e.emit("commit_failed")
			res, err = e.backend.RunWithRetry(ctx, backendID, transcript)
		} else {
			e.emit("committed")
		}
	case rollbackThenRun:
		if rbErr := e.backend.Rollback(ctx, backendID); rbErr != nil {
			log.Printf("dialog: rollback failed for session %s: %v", snap.ID, rbErr)
		}
		e.emit("rolled_back")
		res, err = e.backend.RunWithRetry(ctx, backendID, transcript)
	default:
		res, err = e.backend.RunWithRetry(ctx, backendID, transcript)
	}
	if err != nil {
		_ = e.registry.Update(snap.ID, func(s *session.Session) {
			s.RunInProgress = false
		})
		return Action{}, err
	}

	e.logTurn(ctx, snap, transcript, res.Response)
	return e.applyResult(snap.ID, res), nil
}

// applyResult turns a backend answer into a call action and settles the
// session flags.
func (e *Engine) applyResult(sessionID string, res backend.RunResult) Action {
	ends := res.Metadata.Ends
	_ = e.registry.Update(sessionID, func(s *session.Session) {
		s.RunInProgress = false
		if ends {
			s.SessionEnding = true
		}
	})

	if digits, ok := CodeDigits(res.Response); ok {
		return Action{Kind: ActionPlayDigits, Digits: digits}
	}
	if ends {
		return Action{Kind: ActionSpeakHangup, Text: res.Response}
	}
	return Action{Kind: ActionSpeak, Text: res.Response}
}

// DrainStream collects whatever the push stream has buffered for the call
// and decides whether to keep polling, hand the turn back to the caller,
// or end the call.
func (e *Engine) DrainStream(ctx context.Context, callSID string) (Action, error) {
	snap, err := e.registry.GetByConversation(callSID)
	if err != nil {
		return Action{}, err
	}

	msgs := snap.Inbound.DrainReady()
	if len(msgs) == 0 {
		if msg, ok := snap.Inbound.Poll(ctx, e.pollWait); ok {
			msgs = append(msgs, msg)
			msgs = append(msgs, snap.Inbound.DrainReady()...)
		}
	}

	var b strings.Builder
	sawEOS, sawEnd := false, false
	for _, msg := range msgs {
		switch msg.Kind {
		case session.MessageText:
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(msg.Text)
		case session.MessageEndOfStream:
			sawEOS = true
		case session.MessageEndOfConversation:
			sawEnd = true
		}
	}

	text := b.String()
	switch {
	case sawEnd:
		_ = e.registry.Update(snap.ID, func(s *session.Session) {
			s.SessionEnding = true
		})
		return Action{Kind: ActionSpeakHangup, Text: text}, nil
	case sawEOS:
		return Action{Kind: ActionSpeak, Text: text}, nil
	default:
		return Action{Kind: ActionPoll, Text: text}, nil
	}
}

// EndCall tears the call down: registry entry, stream connection and
// backend session. Safe to call for unknown calls.
func (e *Engine) EndCall(ctx context.Context, callSID, status string) {
	snap, err := e.registry.GetByConversation(callSID)
	if err != nil {
		return
	}
	removed, err := e.registry.Remove(snap.ID)
	if err != nil {
		return
	}
	e.streams.Remove(removed.ID)
	if removed.BackendSessionID != "" {
		if err := e.backend.CloseSessionWithRetry(ctx, removed.BackendSessionID, status); err != nil {
			log.Printf("dialog: close backend session %s failed: %v", removed.BackendSessionID, err)
		}
	}
}

func (e *Engine) logTurn(ctx context.Context, snap *session.Session, heard, said string) {
	if e.turns == nil {
		return
	}
	for _, turn := range []calllog.Turn{
		{CallSID: snap.ConversationID, Caller: snap.Caller, Role: calllog.RoleCaller, Content: heard},
		{CallSID: snap.ConversationID, Caller: snap.Caller, Role: calllog.RoleAssistant, Content: said},
	} {
		if err := e.turns.SaveTurn(ctx, turn); err != nil {
			log.Printf("dialog: save turn for call %s failed: %v", snap.ConversationID, err)
			return
		}
	}
}

func (e *Engine) emit(outcome string) {
	if e.onSpeculative != nil {
		e.onSpeculative(outcome)
	}
}
