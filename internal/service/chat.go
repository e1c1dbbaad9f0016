package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
	"github.com/xiaot623/gogo/relay/internal/producer"
	"github.com/xiaot623/gogo/relay/internal/recorder"
	"github.com/xiaot623/gogo/relay/policy"
)

// ApologyText replaces the assistant reply when the completion source fails.
const ApologyText = "I'm sorry, but I ran into a problem while generating a response. Please try again."

const maxSessionIDLength = 128

// EventSink receives the ordered events of one chat request.
// A Send error ends the request.
type EventSink interface {
	Send(ctx context.Context, event domain.StreamEvent) error
}

// ChatPlan is a validated chat request ready to run.
type ChatPlan struct {
	Request   *domain.ChatRequest
	SessionID string
	Tools     []string
}

// PrepareChat validates req and fixes the session id. It has no side effects,
// so callers can reject a request before any event is written.
func (s *Service) PrepareChat(ctx context.Context, req *domain.ChatRequest) (*ChatPlan, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", domain.ErrInvalidRequest)
	}
	last := req.LastMessage()
	if strings.TrimSpace(last.Content) == "" {
		return nil, fmt.Errorf("%w: last message content is required", domain.ErrInvalidRequest)
	}
	if last.Role != "" && last.Role != domain.RoleUser {
		return nil, fmt.Errorf("%w: last message must have role user", domain.ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if m.Role != "" && !m.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has unknown role %q", domain.ErrInvalidRequest, i, m.Role)
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	tools := req.RequestedTools()
	for _, name := range tools {
		if _, err := s.tools.Lookup(name); err != nil {
			return nil, err
		}
		if s.policyEngine == nil {
			continue
		}
		decision, err := s.policyEngine.Evaluate(ctx, policy.Input{
			ToolName:  name,
			SessionID: sessionID,
			Query:     last.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate tool policy: %w", err)
		}
		if !decision.Allowed() {
			if decision.Reason != "" {
				return nil, fmt.Errorf("%w: %s (%s)", domain.ErrToolBlocked, name, decision.Reason)
			}
			return nil, fmt.Errorf("%w: %s", domain.ErrToolBlocked, name)
		}
	}

	return &ChatPlan{Request: req, SessionID: sessionID, Tools: tools}, nil
}

func validateSessionID(id string) error {
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: chat_id longer than %d bytes", domain.ErrInvalidRequest, maxSessionIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: chat_id contains control characters", domain.ErrInvalidRequest)
		}
	}
	return nil
}

// RunChat drives one planned request to completion, writing events to sink.
// A nil error means chat_message_complete was sent. Any error means the
// stream ended without a terminal event.
func (s *Service) RunChat(ctx context.Context, plan *ChatPlan, sink EventSink) error {
	release, err := s.locks.Acquire(ctx, plan.SessionID)
	if err != nil {
		return err
	}
	defer release()

	run := &chatRun{svc: s, plan: plan, sink: sink}
	err = run.execute(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("chat interrupted", zap.String("session_id", plan.SessionID), zap.Error(err))
		} else {
			logger.Error("chat failed", zap.String("session_id", plan.SessionID), zap.Error(err))
		}
		return err
	}
	logger.Info("chat completed", zap.String("session_id", plan.SessionID), zap.Int("tools", len(plan.Tools)))
	return nil
}

// Chat validates and runs req in one call.
func (s *Service) Chat(ctx context.Context, req *domain.ChatRequest, sink EventSink) (string, error) {
	plan, err := s.PrepareChat(ctx, req)
	if err != nil {
		return "", err
	}
	return plan.SessionID, s.RunChat(ctx, plan, sink)
}

// chatRun holds the state of one request.
type chatRun struct {
	svc     *Service
	plan    *ChatPlan
	sink    EventSink
	session *domain.Session
	created bool
	current *recorder.TurnHandle
}

func (r *chatRun) execute(ctx context.Context) (err error) {
	// Never leave the in-progress turn open.
	defer func() {
		if err != nil && r.current != nil && !r.current.Finished() {
			r.interrupt(ctx)
		}
	}()

	if err := r.resolveSession(ctx); err != nil {
		return err
	}

	userTurn, err := r.recordUserTurn(ctx)
	if err != nil {
		return err
	}

	contribs := make([]contribution, 0, len(r.plan.Tools))
	for _, name := range r.plan.Tools {
		content, err := r.runTool(ctx, name)
		if err != nil {
			return err
		}
		contribs = append(contribs, contribution{tool: name, content: content})
	}

	prompt, err := r.svc.buildPrompt(ctx, r.session, r.created, r.plan.Request, userTurn.ID, contribs)
	if err != nil {
		return err
	}
	assistant, err := r.runCompletion(ctx, prompt)
	if err != nil {
		return err
	}
	return r.finalize(ctx, assistant)
}

// resolveSession loads the session or creates it under the planned id.
func (r *chatRun) resolveSession(ctx context.Context) error {
	s := r.svc
	session, err := s.store.GetSession(ctx, r.plan.SessionID)
	if err == nil {
		r.session = session
		return nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return &domain.PersistenceError{Op: "get session", Err: err}
	}

	model := r.plan.Request.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	session = &domain.Session{
		ID:        r.plan.SessionID,
		Model:     model,
		Config:    json.RawMessage(`{"temperature":0.7}`),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return &domain.PersistenceError{Op: "create session", Err: err}
	}
	logger.Info("session created", zap.String("session_id", session.ID), zap.String("model", model))
	r.session = session
	r.created = true
	return nil
}

func (r *chatRun) recordUserTurn(ctx context.Context) (*recorder.TurnHandle, error) {
	rec := r.svc.recorder
	last := r.plan.Request.LastMessage()
	h, err := rec.Begin(ctx, r.session.ID, domain.RoleUser, "", nil)
	if err != nil {
		return nil, err
	}
	r.current = h
	if err := rec.Append(ctx, h, last.Content); err != nil {
		return nil, err
	}
	if err := rec.Finish(ctx, h); err != nil {
		return nil, err
	}
	r.current = nil
	return h, nil
}

// runTool records and streams one tool phase and returns its contribution.
func (r *chatRun) runTool(ctx context.Context, name string) (string, error) {
	s := r.svc
	p, err := s.tools.Lookup(name)
	if err != nil {
		return "", err
	}
	query := r.plan.Request.LastMessage().Content
	args, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool args: %w", err)
	}

	h, err := s.recorder.Begin(ctx, r.session.ID, domain.RoleTool, name, args)
	if err != nil {
		return "", err
	}
	r.current = h
	if err := r.emit(ctx, domain.EventTypeToolStarted, fmt.Sprintf("Starting %s...", name), name); err != nil {
		return "", err
	}

	stream, err := p.Open(ctx, producer.Params{Query: query, Model: r.session.Model})
	if err != nil {
		return "", &domain.UpstreamError{Source: name, Err: err}
	}
	defer stream.Close()

	for {
		inc, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &domain.UpstreamError{Source: name, Err: err}
		}
		text := inc.String()
		if text == "" {
			continue
		}
		if err := s.recorder.Append(ctx, h, text); err != nil {
			return "", err
		}
		if err := r.emit(ctx, domain.EventTypeToolDelta, text, name); err != nil {
			return "", err
		}
	}

	if err := s.recorder.Finish(ctx, h); err != nil {
		return "", err
	}
	r.current = nil
	if err := r.emit(ctx, domain.EventTypeToolFinished, fmt.Sprintf("%s completed.", name), name); err != nil {
		return "", err
	}
	return h.Content(), nil
}

// runCompletion records and streams the assistant reply. A completion
// failure is replaced by ApologyText rather than returned.
func (r *chatRun) runCompletion(ctx context.Context, prompt []producer.Message) (*recorder.TurnHandle, error) {
	s := r.svc
	h, err := s.recorder.Begin(ctx, r.session.ID, domain.RoleAssistant, "", nil)
	if err != nil {
		return nil, err
	}
	r.current = h

	model := r.plan.Request.Model
	if model == "" {
		model = r.session.Model
	}
	upstreamErr := r.streamCompletion(ctx, h, producer.Params{
		Model:       model,
		Messages:    prompt,
		Temperature: r.session.Temperature(),
	})
	if upstreamErr == nil {
		return h, nil
	}

	var uerr *domain.UpstreamError
	if !errors.As(upstreamErr, &uerr) {
		return nil, upstreamErr
	}
	logger.Warn("completion failed, sending apology",
		zap.String("session_id", r.session.ID),
		zap.Int64("turn_id", h.ID),
		zap.Error(upstreamErr))

	if err := s.recorder.Replace(ctx, h, ApologyText); err != nil {
		return nil, err
	}
	if err := r.emit(ctx, domain.EventTypeDelta, ApologyText, ""); err != nil {
		return nil, err
	}
	return h, nil
}

// streamCompletion returns an *UpstreamError only for a failing producer;
// persistence, sink and cancellation errors are returned as they are.
func (r *chatRun) streamCompletion(ctx context.Context, h *recorder.TurnHandle, params producer.Params) error {
	stream, err := r.svc.completion.Open(ctx, params)
	if err != nil {
		return &domain.UpstreamError{Source: "completion", Err: err}
	}
	defer stream.Close()

	for {
		inc, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &domain.UpstreamError{Source: "completion", Err: err}
		}
		text := inc.String()
		if text == "" {
			continue
		}
		if err := r.svc.recorder.Append(ctx, h, text); err != nil {
			return err
		}
		if err := r.emit(ctx, domain.EventTypeDelta, text, ""); err != nil {
			return err
		}
	}
}

func (r *chatRun) finalize(ctx context.Context, assistant *recorder.TurnHandle) error {
	if err := r.svc.recorder.Finish(ctx, assistant); err != nil {
		return err
	}
	r.current = nil
	if err := r.svc.backfillTitle(ctx, r.session); err != nil {
		return err
	}
	return r.sink.Send(ctx, domain.StreamEvent{
		Type:      domain.EventTypeChatMessageComplete,
		SessionID: r.session.ID,
	})
}

func (r *chatRun) emit(ctx context.Context, typ domain.EventType, content, toolName string) error {
	err := r.sink.Send(ctx, domain.StreamEvent{
		Type:      typ,
		Content:   content,
		ToolName:  toolName,
		SessionID: r.session.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to send %s event: %w", typ, err)
	}
	return nil
}

// interrupt closes the in-progress turn on a context that outlives the
// caller's.
func (r *chatRun) interrupt(ctx context.Context) {
	h := r.current
	if err := r.svc.recorder.Interrupt(context.WithoutCancel(ctx), h); err != nil {
		logger.Error("failed to mark turn interrupted",
			zap.String("session_id", h.SessionID),
			zap.Int64("turn_id", h.ID),
			zap.Error(err))
		return
	}
	logger.Info("turn interrupted", zap.String("session_id", h.SessionID), zap.Int64("turn_id", h.ID))
}
