// Package github receives github webhook deliveries, translates them into
// typed events and forwards them to the event loop of the bot.
package github

import (
	"net/http"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/bors"
	"github.com/borsbot/bors/internal/logfields"
)

const loggerName = "github-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates the requests, translates the payloads to typed events and
// forwards them to an event channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	filter        *Filter
	c             chan<- bors.Event
}

type option func(*Provider)

// WithPayloadSecret validates the signature of webhook payloads with the
// secret.
func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// WithEventFilter discards deliveries whose payload matches the filter before
// they are translated.
func WithEventFilter(filter *Filter) option {
	return func(p *Provider) {
		p.filter = filter
	}
}

func New(eventChan chan<- bors.Event, opts ...option) *Provider {
	p := Provider{
		c: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	p.logger.Debug("received a http request", logfields.Event("github_event_received"))

	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	metrics.ReceivedInc(hookType)

	logger := p.logger.With(
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)

		metrics.DiscardedInc(discardReasonInvalid)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug(
		"received http request",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	rawEvent, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)

		metrics.DiscardedInc(discardReasonInvalid)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	if p.filter != nil {
		match, err := p.filter.Match(req.Context(), payload)
		if err != nil {
			// Filter errors must not cause lost events, the
			// delivery is processed as if it did not match.
			logger.Warn(
				"evaluating event filter failed, event is processed",
				logfields.Event("github_event_filter_failed"),
				zap.Error(err),
			)
		} else if match {
			logger.Debug(
				"event discarded, payload matches the event filter",
				logfields.Event("github_event_filtered"),
			)

			metrics.DiscardedInc(discardReasonFiltered)
			return
		}
	}

	event := translateEvent(rawEvent)
	if event == nil {
		logger.Debug(
			"ignoring event, event type or action is unsupported",
			logfields.Event("github_unsupported_event_received"),
		)

		metrics.DiscardedInc(discardReasonUnsupported)
		return
	}

	logger = logger.With(event.LogFields()...)

	select {
	case p.c <- event:
		metrics.EnqueuedInc()
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		metrics.DiscardedInc(discardReasonQueueFull)
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}
