// Package dispatch accepts questions, records them and hands them to the
// answering service in the background.
package dispatch

import (
	"context"
	"time"

	"experiment-oracle/internal/common/auth"
	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/common/observability"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/history"

	"go.opentelemetry.io/otel/attribute"
)

// Submitter accepts envelopes for background delivery. *Queue satisfies it.
type Submitter interface {
	Submit(env models.DispatchEnvelope) error
}

// Ack acknowledges an accepted question. It never carries the answer.
type Ack struct {
	ConversationID string    `json:"conversationId"`
	TurnID         string    `json:"turnId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Gateway struct {
	authenticator auth.Authenticator
	history       history.Store
	queue         Submitter
	logger        logger.Logger
	now           func() time.Time
}

// NewGateway builds the gateway. A nil queue means no answering service is
// configured and every otherwise valid dispatch fails before writing history.
func NewGateway(authenticator auth.Authenticator, store history.Store, queue Submitter, log logger.Logger) *Gateway {
	return &Gateway{
		authenticator: authenticator,
		history:       store,
		queue:         queue,
		logger:        log.With(map[string]interface{}{"component": "dispatch-gateway"}),
		now:           time.Now,
	}
}

// Dispatch authenticates token and dispatches q on behalf of the resolved identity.
func (g *Gateway) Dispatch(ctx context.Context, token string, q models.Question) (Ack, error) {
	id, err := g.Authenticate(ctx, token)
	if err != nil {
		metrics.DispatchRequests.WithLabelValues(string(errors.AsStandard(err).Code)).Inc()
		return Ack{}, err
	}
	return g.DispatchAs(ctx, id, q)
}

// Authenticate resolves a bearer token. Credential problems become UNAUTHORIZED;
// identity provider outages keep their own code.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, errors.NewUnauthorizedError(auth.ErrMissingBearer.Error())
	}
	id, err := g.authenticator.Authenticate(ctx, token)
	if err != nil {
		if auth.IsCredentialError(err) {
			return auth.Identity{}, errors.NewUnauthorizedError(err.Error())
		}
		if std := errors.AsStandard(err); std.Code != errors.ErrCodeInternal {
			return auth.Identity{}, std
		}
		return auth.Identity{}, errors.NewUnauthorizedError(err.Error())
	}
	if id.UserID == "" {
		return auth.Identity{}, errors.NewUnauthorizedError("token carries no subject")
	}
	return id, nil
}

// DispatchAs records the user turn and queues the question for an already
// authenticated caller. Nothing is written unless every check passes.
// Repeating a dispatch with the same turn ID acknowledges the stored turn
// without queueing the question again.
func (g *Gateway) DispatchAs(ctx context.Context, id auth.Identity, q models.Question) (ack Ack, err error) {
	ctx, span := observability.Tracer("oracle/dispatch").Start(ctx, "dispatch")
	span.SetAttributes(
		attribute.String("conversation.id", q.ConversationID),
		attribute.String("user.id", id.UserID),
	)
	defer func() {
		code := "ACCEPTED"
		if err != nil {
			code = string(errors.AsStandard(err).Code)
		}
		metrics.DispatchRequests.WithLabelValues(code).Inc()
		observability.EndSpan(span, err)
	}()

	if err := q.Validate(); err != nil {
		return Ack{}, err
	}
	if q.UserID != id.UserID {
		g.logger.Warn("Dispatch rejected, user mismatch", map[string]interface{}{
			"conversationId": q.ConversationID,
			"assertedUserId": q.UserID,
			"tokenUserId":    id.UserID,
		})
		return Ack{}, errors.NewForbiddenError("userId does not match the authenticated user")
	}
	if g.queue == nil {
		return Ack{}, errors.NewDispatchNotConfiguredError()
	}

	if q.TurnID == "" {
		q.TurnID = models.NewTurnID()
	}
	turn, inserted, err := g.history.Insert(ctx, models.NewUserTurn(q, g.now()))
	if err != nil {
		return Ack{}, errors.NewHistoryWriteError(err)
	}
	if !inserted {
		return g.redelivered(q, turn)
	}

	// the user turn is durable from here on; delivery problems are only logged
	if err := g.queue.Submit(models.NewDispatchEnvelope(q)); err != nil {
		g.logger.Error("Failed to queue question", map[string]interface{}{
			"conversationId": q.ConversationID,
			"userId":         q.UserID,
			"turnId":         turn.ID,
			"error":          err.Error(),
		})
	}

	g.logger.Info("Question accepted", map[string]interface{}{
		"conversationId": q.ConversationID,
		"userId":         q.UserID,
		"turnId":         turn.ID,
	})

	return Ack{ConversationID: turn.ConversationID, TurnID: turn.ID, CreatedAt: turn.CreatedAt}, nil
}

// redelivered acknowledges a retried dispatch whose turn is already stored.
func (g *Gateway) redelivered(q models.Question, stored models.ConversationTurn) (Ack, error) {
	if stored.Role != models.RoleUser || stored.ConversationID != q.ConversationID ||
		stored.UserID != q.UserID || stored.Content != q.Text {
		return Ack{}, errors.NewValidationError("turnId is already used by another turn")
	}
	g.logger.Info("Question already accepted", map[string]interface{}{
		"conversationId": q.ConversationID,
		"userId":         q.UserID,
		"turnId":         stored.ID,
	})
	return Ack{ConversationID: stored.ConversationID, TurnID: stored.ID, CreatedAt: stored.CreatedAt}, nil
}

// Bind returns a dispatcher acting as id, for in-process callers.
func (g *Gateway) Bind(id auth.Identity) *BoundGateway {
	return &BoundGateway{gateway: g, identity: id}
}

// BoundGateway dispatches as a fixed identity.
type BoundGateway struct {
	gateway  *Gateway
	identity auth.Identity
}

func (b *BoundGateway) Dispatch(ctx context.Context, q models.Question) (Ack, error) {
	return b.gateway.DispatchAs(ctx, b.identity, q)
}
