package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"agent-relay/internal/ingress"
	"agent-relay/internal/integrations/telegram"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Gate is the ingress decision surface the webhook handler depends on.
type Gate interface {
	Admit(ctx context.Context, update telegram.Update) (ingress.Outcome, error)
}

// Webhook adapts the chat platform's webhook delivery to the ingress gate.
// It answers success for every authenticated request, including gate
// rejections and enqueue failures: a webhook retry from the platform would
// only duplicate work the pipeline already classified.
type Webhook struct {
	gate          Gate
	webhookSecret string
}

// NewWebhook creates a Webhook handler. An empty secret disables the
// shared-secret check.
func NewWebhook(gate Gate, webhookSecret string) (*Webhook, error) {
	if gate == nil {
		return nil, errors.New("handler: gate must not be nil")
	}
	return &Webhook{gate: gate, webhookSecret: strings.TrimSpace(webhookSecret)}, nil
}

// Handle processes one webhook delivery.
func (h *Webhook) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event.Headers)
	log := slog.With("correlationId", correlationID)

	if h.webhookSecret != "" && headerValue(event.Headers, secretTokenHeader) != h.webhookSecret {
		log.Warn("webhook secret mismatch")
		return respond(http.StatusForbidden, correlationID), nil
	}

	var update telegram.Update
	if err := json.Unmarshal([]byte(event.Body), &update); err != nil {
		log.Warn("invalid webhook body", "err", err)
		return respond(http.StatusOK, correlationID), nil
	}

	outcome, err := h.gate.Admit(ctx, update)
	if err != nil {
		log.Error("gate error", "decision", string(outcome.Decision), "reason", outcome.Reason, "err", err)
	} else {
		log.Info("webhook admitted", "decision", string(outcome.Decision), "reason", outcome.Reason)
	}

	return respond(http.StatusOK, correlationID), nil
}

func respond(status int, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: `{}`,
	}
}

func correlationIDFrom(headers map[string]string) string {
	if v := headerValue(headers, "X-Correlation-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
