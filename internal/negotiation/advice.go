package negotiation

import (
	"context"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

// AdviceRequest asks one AI role to respond on the section it is bound to.
// History never contains turns from another section.
type AdviceRequest struct {
	ID           string
	ContractID   string
	Role         model.AIRole
	SectionID    string
	SectionTitle string
	Generation   uint64
	History      []Turn
	Trigger      string
}

// Advice is the final outcome of an AdviceRequest. Err is set when the
// collaborator gave up.
type Advice struct {
	RequestID  string
	Role       model.AIRole
	SectionID  string
	Generation uint64
	Content    string
	Err        error
}

// AdviceSink receives the output of an Advisor.
type AdviceSink interface {
	Partial(req AdviceRequest, p model.PartialEvent)
	Deliver(a Advice)
}

// Advisor produces AI responses. Advise blocks until the request finishes or
// ctx ends and reports through sink; it must deliver at most once.
type Advisor interface {
	Advise(ctx context.Context, req AdviceRequest, sink AdviceSink)
}

// requestAdvice starts an asynchronous AI request for role on sectionID.
// Requests are never issued while restoring.
func (s *Session) requestAdvice(role model.AIRole, sectionID, trigger string) {
	if s.restoring || s.opts.Advisor == nil || s.aiCtx.Err() != nil {
		return
	}
	history, gen, err := s.memory.BoundedHistory(sectionID, role, s.opts.HistoryLimit)
	if err != nil {
		s.log.Debug("skipping AI request", zap.String("role", string(role)), zap.Error(err))
		return
	}
	sec, _ := s.registry.Section(sectionID)
	req := AdviceRequest{
		ID:           s.opts.NewID(),
		ContractID:   s.id,
		Role:         role,
		SectionID:    sectionID,
		SectionTitle: sec.Title,
		Generation:   gen,
		History:      history,
		Trigger:      trigger,
	}
	s.aiWG.Add(1)
	go func() {
		defer s.aiWG.Done()
		s.opts.Advisor.Advise(s.aiCtx, req, s)
	}()
}

// Partial forwards a streaming fragment as a transient envelope. Fragments of
// a context that has since been wiped are dropped.
func (s *Session) Partial(req AdviceRequest, p model.PartialEvent) {
	if s.opts.Broadcaster == nil || !s.memory.IsCurrent(req.SectionID, req.Role, req.Generation) {
		return
	}
	env, err := model.NewTransientEnvelope(model.EnvelopePartial, s.id, req.Role.Client(), p)
	if err != nil {
		s.log.Warn("failed to encode partial", zap.Error(err))
		return
	}
	s.opts.Broadcaster.Broadcast(env)
}

// Deliver hands a finished response to the session goroutine.
func (s *Session) Deliver(a Advice) {
	if err := s.DeliverAdvice(s.ctx, a); err != nil && KindOf(err) != KindState {
		s.log.Warn("failed to deliver advice", zap.String("request_id", a.RequestID), zap.Error(err))
	}
}

// DeliverAdvice commits an AI response, or a degraded notice when the
// collaborator failed. Results for a context that was wiped or rebound since
// the request started are dropped.
func (s *Session) DeliverAdvice(ctx context.Context, a Advice) error {
	return s.do(ctx, "advice", func() error {
		if s.state != StateActive || !s.memory.IsCurrent(a.SectionID, a.Role, a.Generation) {
			metrics.AIRequestsTotal.WithLabelValues(string(a.Role), "stale").Inc()
			s.log.Debug("dropping stale advice", zap.String("request_id", a.RequestID), zap.String("section_id", a.SectionID))
			return nil
		}

		now := s.opts.Now()
		msg := model.NegotiationMessage{
			ID:        s.opts.NewID(),
			Author:    string(a.Role),
			Content:   a.Content,
			Timestamp: now,
			SectionID: a.SectionID,
		}
		status := "delivered"
		if a.Err != nil {
			status = "degraded"
			msg.Author = model.AuthorSystem
			msg.Content = "AI assistance is temporarily unavailable. Negotiation can continue without it."
			msg.Degraded = true
			if client := a.Role.Client(); client != "" {
				msg.Private = true
				msg.Audience = client
			}
			s.log.Warn("AI collaborator degraded", zap.String("role", string(a.Role)), zap.Error(a.Err))
		}
		metrics.AIRequestsTotal.WithLabelValues(string(a.Role), status).Inc()

		_, err := s.execute(model.Entry{Type: model.EnvelopeChat, Message: &msg, CreatedAt: now})
		return err
	})
}
