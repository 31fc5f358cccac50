package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventOrderCreate         EventType = "order_create"
	EventOrderConfirm        EventType = "order_confirm"
	EventOrderFail           EventType = "order_fail"
	EventTrialGrant          EventType = "trial_grant"
	EventWebhookUnknownOrder EventType = "webhook_unknown_order"
	EventWebhookBadSignature EventType = "webhook_bad_signature"
	EventRateLimitExceed     EventType = "rate_limit_exceeded"
)

type Event struct {
	Type      EventType
	OrderID   string
	Session   string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "billing").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.OrderID != "" {
		logger = logger.With().Str("order_id", event.OrderID).Logger()
	}
	if event.Session != "" {
		logger = logger.With().Str("session", event.Session).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("billing audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
