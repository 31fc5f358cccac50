package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/olympic/session-gateway/internal/audit"
	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/model"
	"github.com/olympic/session-gateway/internal/repository"
	"github.com/olympic/session-gateway/internal/util"
)

// Answerer produces the text for a granted question.
type Answerer interface {
	Answer(ctx context.Context, question, subject string) (string, error)
}

type GateOptions struct {
	TrialIdentity     string
	TrialWindow       time.Duration
	AnswerTimeout     time.Duration
	MaxQuestionLength int
}

type ConsumeRequest struct {
	Token    string
	Identity string
	Question string
	Subject  string
}

type ConsumeResult struct {
	Answer           string `json:"answer"`
	CreditsRemaining int    `json:"questions_left"`
	Trial            bool   `json:"trial"`
}

// AccessGate admits or denies each question before the answerer is called.
type AccessGate struct {
	ledger   *CreditLedger
	sessions repository.SessionRepository
	answerer Answerer
	clock    clock.Clock
	opts     GateOptions
}

func NewAccessGate(
	ledger *CreditLedger,
	sessions repository.SessionRepository,
	answerer Answerer,
	clk clock.Clock,
	opts GateOptions,
) *AccessGate {
	return &AccessGate{
		ledger:   ledger,
		sessions: sessions,
		answerer: answerer,
		clock:    clk,
		opts:     opts,
	}
}

// TrialIdentity picks the identity that keys the free trial according to the
// configured source. An empty result means no trial is available.
func (g *AccessGate) TrialIdentity(clientID, remoteIP string) string {
	var raw string
	switch g.opts.TrialIdentity {
	case config.TrialIdentityClient:
		raw = clientID
	case config.TrialIdentityIP:
		raw = remoteIP
	default:
		return ""
	}
	identity, ok := util.NormalizeIdentity(raw)
	if !ok {
		return ""
	}
	return g.opts.TrialIdentity + ":" + identity
}

func (g *AccessGate) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apperrors.ValidationError("Missing question")
	}
	if g.opts.MaxQuestionLength > 0 && utf8.RuneCountInString(question) > g.opts.MaxQuestionLength {
		return nil, apperrors.InvalidInput("question", "too long")
	}

	grant, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	answerCtx, cancel := context.WithTimeout(ctx, g.opts.AnswerTimeout)
	defer cancel()

	start := time.Now()
	answer, err := g.answerer.Answer(answerCtx, question, strings.TrimSpace(req.Subject))
	if err != nil {
		metrics.AnswerDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		log.Warn().
			Err(err).
			Bool("trial", grant.Trial).
			Int("creditsRemaining", grant.CreditsRemaining).
			Msg("answerer failed after credit was consumed")
		return nil, apperrors.UpstreamUnavailable(err).WithDetails(map[string]any{
			"questions_left": grant.CreditsRemaining,
		})
	}
	metrics.AnswerDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	return &ConsumeResult{
		Answer:           answer,
		CreditsRemaining: grant.CreditsRemaining,
		Trial:            grant.Trial,
	}, nil
}

func (g *AccessGate) admit(ctx context.Context, req ConsumeRequest) (*Grant, error) {
	if req.Token != "" {
		if isTrialToken(req.Token) {
			return nil, apperrors.NotFound("session")
		}
		return g.ledger.TryConsume(ctx, req.Token)
	}

	if req.Identity == "" {
		return nil, apperrors.NotFound("session")
	}
	return g.consumeTrial(ctx, req.Identity)
}

// consumeTrial spends the identity's trial, creating its row on first use or
// once the previous trial window has lapsed.
func (g *AccessGate) consumeTrial(ctx context.Context, identity string) (*Grant, error) {
	token := TrialToken(identity)

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		grant, err := g.ledger.TryConsume(ctx, token)
		if err == nil {
			return grant, nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) &&
			!apperrors.HasCode(err, apperrors.ErrCodeSessionExpired) {
			return nil, err
		}

		if err := g.createTrialSession(ctx, token); err != nil {
			return nil, err
		}
	}

	return nil, apperrors.StoreUnavailable(repository.ErrContention)
}

func (g *AccessGate) createTrialSession(ctx context.Context, token string) error {
	now := g.clock.Now()
	session := &model.Session{
		Token:        token,
		PaymentState: model.PaymentStateUnpaid,
		ExpiresAt:    now.Add(g.opts.TrialWindow),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := g.sessions.Create(ctx, session)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventTrialGrant,
		Session: util.MaskToken(token),
	})
	return nil
}
