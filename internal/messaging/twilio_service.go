package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages arrive through
// TwilioWebhookHandler.
type TwilioService struct {
	client      twiliowhatsapp.TwilioWhatsAppSender
	validator   *twiliowhatsapp.WebhookValidator
	countryCode string
	responses   chan models.Response

	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps client. validator may be nil to accept unsigned webhooks.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, validator *twiliowhatsapp.WebhookValidator, countryCode string) *TwilioService {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &TwilioService{
		client:      client,
		validator:   validator,
		countryCode: countryCode,
		responses:   make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient returns the canonical ten-digit phone.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, "+"+internationalNumber(s.countryCode, canonical), body)
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them on Responses.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.Valid(r) {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected unsigned webhook", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	s.emit(models.Response{
		MessageID: r.FormValue("MessageSid"),
		From:      strings.TrimPrefix(from, "whatsapp:"),
		Body:      body,
		Time:      time.Now().Unix(),
	})
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) emit(resp models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService.emit: dropping inbound message, service stopped", "from", resp.From)
		return
	}
	select {
	case s.responses <- resp:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.emit: responses channel blocked, dropping message", "from", resp.From)
	}
}
