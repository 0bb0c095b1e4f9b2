package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client      whatsapp.WhatsAppSender
	waClient    *whatsapp.Client // set when client is the real client, for event handling
	countryCode string
	responses   chan models.Response

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. An empty countryCode means DefaultCountryCode.
func NewWhatsAppService(client whatsapp.WhatsAppSender, countryCode string) *WhatsAppService {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	s := &WhatsAppService{
		client:      client,
		countryCode: countryCode,
		responses:   make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the canonical ten-digit phone.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start subscribes to inbound WhatsApp events. With a mock client it does nothing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event subscription")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes and closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	close(s.responses)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends body to the canonical phone to.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := canonicalRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, internationalNumber(s.countryCode, canonical), body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Responses returns a channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// handleIncomingMessage forwards direct text messages from patients.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	s.emit(models.Response{
		MessageID: string(evt.Info.ID),
		From:      evt.Info.Sender.User,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emit(resp models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- resp:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.emit: responses channel blocked, dropping message", "from", resp.From)
	}
}
