// Package advisor runs AI advisory requests for negotiation rooms against an
// LLM provider, with timeouts, retries and streaming partials.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/llm"
	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

var tracer = otel.Tracer("github.com/capitalize-ai/negotiation-room/internal/advisor")

// Config controls how requests are sent to the provider.
type Config struct {
	Model          string
	MaxTokens      int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Stream         bool
}

// Advisor implements negotiation.Advisor on top of an llm.Client.
type Advisor struct {
	client llm.Client
	cfg    Config
	logger *logger.Logger
}

// New creates an advisor.
func New(client llm.Client, cfg Config, log *logger.Logger) *Advisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Advisor{client: client, cfg: cfg, logger: log}
}

var errEmptyResponse = errors.New("empty response")

// Advise runs req to completion. Nothing is delivered when ctx is cancelled,
// since that means the session is going away.
func (a *Advisor) Advise(ctx context.Context, req negotiation.AdviceRequest, sink negotiation.AdviceSink) {
	ctx, span := tracer.Start(ctx, "advisor.advise")
	span.SetAttributes(
		attribute.String("contract.id", req.ContractID),
		attribute.String("section.id", req.SectionID),
		attribute.String("ai.role", string(req.Role)),
		attribute.String("ai.trigger", req.Trigger),
	)
	defer span.End()

	log := a.logger.With(
		zap.String("request_id", req.ID),
		zap.String("contract_id", req.ContractID),
		zap.String("role", string(req.Role)),
	)

	resp, err := a.generate(ctx, req, sink, log)
	if ctx.Err() != nil {
		log.Debug("advice cancelled")
		return
	}

	advice := negotiation.Advice{
		RequestID:  req.ID,
		Role:       req.Role,
		SectionID:  req.SectionID,
		Generation: req.Generation,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("AI request failed", zap.Error(err))
		advice.Err = fmt.Errorf("%w: %v", negotiation.ErrAIUnavailable, err)
	} else {
		advice.Content = resp.Content
		log.Debug("AI request completed", zap.String("preview", preview(resp.Content)))
	}
	sink.Deliver(advice)
}

func (a *Advisor) generate(ctx context.Context, req negotiation.AdviceRequest, sink negotiation.AdviceSink, log *logger.Logger) (*llm.CompletionResponse, error) {
	prompt := BuildRequest(req, a.cfg.Model, a.cfg.MaxTokens)

	var resp *llm.CompletionResponse
	var partials int
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		start := time.Now()
		var r *llm.CompletionResponse
		var err error
		if a.cfg.Stream {
			r, err = a.client.CompleteStream(attemptCtx, prompt, func(token string, index int) error {
				partials = index + 1
				sink.Partial(req, model.PartialEvent{
					Role:      req.Role,
					SectionID: req.SectionID,
					RequestID: req.ID,
					Content:   token,
					Index:     index,
				})
				return nil
			})
		} else {
			r, err = a.client.Complete(attemptCtx, prompt)
		}
		if err == nil && r.Content == "" {
			err = errEmptyResponse
		}

		status := "success"
		if err != nil {
			status = "error"
		}
		var modelName string
		var in, out int
		if r != nil {
			modelName, in, out = r.Model, r.TokensIn, r.TokensOut
		}
		metrics.RecordLLMRequest(a.client.Name(), modelName, status, time.Since(start).Seconds(), in, out)

		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxInterval = a.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("AI request failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	})
	if err != nil {
		return nil, err
	}

	if a.cfg.Stream {
		sink.Partial(req, model.PartialEvent{
			Role:       req.Role,
			SectionID:  req.SectionID,
			RequestID:  req.ID,
			Index:      partials,
			IsComplete: true,
		})
	}
	return resp, nil
}
