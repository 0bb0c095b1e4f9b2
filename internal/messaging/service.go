// Package messaging connects ApptPipe to a WhatsApp gateway.
//
// A Service delivers outbound text and surfaces inbound text on a channel. Patients are
// addressed by their canonical ten-digit phone; each service adds the configured country code
// when talking to its gateway. ResponseHandler drains the inbound channel into a single callback.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the buffer size of the responses channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for channel space.
	DefaultChannelTimeout = 1 * time.Second
	// DefaultCountryCode is prefixed to canonical phones when none is configured.
	DefaultCountryCode = "52"
)

// ErrServiceStopped is returned by services after Stop.
var ErrServiceStopped = errors.New("messaging: service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the canonical ten-digit phone for recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the responses channel.
	Stop() error

	// Responses returns a channel of incoming patient messages.
	Responses() <-chan models.Response
}

func canonicalRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return models.CanonicalPhone(recipient)
}

// internationalNumber joins the country code and canonical phone, digits only.
func internationalNumber(countryCode, canonical string) string {
	return strings.TrimPrefix(countryCode, "+") + canonical
}
