package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// ErrHandlerRegistered is returned when a second inbound callback is registered.
var ErrHandlerRegistered = errors.New("messaging: inbound handler already registered")

// InboundFunc handles one inbound message from a canonical phone.
type InboundFunc func(ctx context.Context, from, text string) error

// DefaultErrorReply is sent when the inbound callback fails.
const DefaultErrorReply = "Lo sentimos, hubo un problema al procesar tu mensaje. Intenta de nuevo en unos minutos."

// ResponseHandler routes every inbound message to a single registered callback, dropping
// messages the gateway delivers more than once.
type ResponseHandler struct {
	msgService Service
	dedup      store.DedupRepo

	mu         sync.RWMutex
	handler    InboundFunc
	errorReply string
}

// NewResponseHandler creates a handler over msgService. dedup may be nil to disable
// redelivery filtering.
func NewResponseHandler(msgService Service, dedup store.DedupRepo) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, dedup: dedup, errorReply: DefaultErrorReply}
}

// Register sets the inbound callback. It may be called once.
func (rh *ResponseHandler) Register(fn InboundFunc) error {
	if fn == nil {
		return fmt.Errorf("messaging: nil inbound handler")
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if rh.handler != nil {
		return ErrHandlerRegistered
	}
	rh.handler = fn
	return nil
}

// SetErrorReply sets the message sent when the callback fails; empty disables it.
func (rh *ResponseHandler) SetErrorReply(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.errorReply = message
}

// ProcessResponse hands one inbound message to the callback.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	rh.mu.RLock()
	handler, errorReply := rh.handler, rh.errorReply
	rh.mu.RUnlock()
	if handler == nil {
		slog.Warn("ResponseHandler.ProcessResponse: no handler registered, dropping message", "from", from)
		return nil
	}

	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, response.MessageID, from)
		if err != nil {
			// Prefer a possible duplicate over a lost message.
			slog.Warn("ResponseHandler.ProcessResponse: dedup record failed", "error", err, "messageID", response.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate delivery dropped", "from", from, "messageID", response.MessageID)
			return nil
		}
	}

	if err := handler(ctx, from, response.Body); err != nil {
		slog.Error("ResponseHandler.ProcessResponse: handler failed", "error", err, "from", from)
		if errorReply != "" {
			if sendErr := rh.msgService.SendMessage(ctx, from, errorReply); sendErr != nil {
				slog.Error("ResponseHandler.ProcessResponse: failed to send error reply", "error", sendErr, "from", from)
			}
		}
		return fmt.Errorf("handle message from %s: %w", from, err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}
	return nil
}

// Run drains the service's responses until ctx is cancelled or the channel closes.
// It always returns nil so it can run under an errgroup.
func (rh *ResponseHandler) Run(ctx context.Context) error {
	slog.Info("ResponseHandler.Run: processing inbound messages")
	defer slog.Info("ResponseHandler.Run: stopped")
	responses := rh.msgService.Responses()
	for {
		select {
		case <-ctx.Done():
			return nil
		case response, ok := <-responses:
			if !ok {
				return nil
			}
			if err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler.Run: failed to process response", "error", err, "from", response.From)
			}
		}
	}
}
