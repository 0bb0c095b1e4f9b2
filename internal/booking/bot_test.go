package booking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ApptPipe/internal/genai"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

type fakeClassifier struct {
	intent genai.Intent
	err    error
}

func (f fakeClassifier) ClassifyIntent(ctx context.Context, text string) (genai.Intent, error) {
	return f.intent, f.err
}

type botHarness struct {
	t   *testing.T
	bot *Bot
	st  *store.SQLiteStore
}

func newBotHarness(t *testing.T, classifier IntentClassifier) *botHarness {
	svc, st, _ := newTestService(t, testNow)
	return &botHarness{t: t, bot: NewBot(svc, st, st, classifier), st: st}
}

// say sends text from phone and returns the replies queued in response.
func (h *botHarness) say(phone, text string) []string {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.bot.HandleMessage(ctx, phone, text))
	msgs, err := h.st.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(h.t, err)
	var out []string
	for _, m := range msgs {
		require.Equal(h.t, OutboxKindReply, m.Kind)
		var p TextPayload
		require.NoError(h.t, json.Unmarshal([]byte(m.PayloadJSON), &p))
		out = append(out, p.Body)
	}
	return out
}

func (h *botHarness) step(phone string) models.ConversationStep {
	h.t.Helper()
	state, err := h.st.GetFlowState(context.Background(), phone)
	require.NoError(h.t, err)
	if state == nil {
		return ""
	}
	return state.Step
}

func TestBot_BookingConversation(t *testing.T) {
	h := newBotHarness(t, nil)
	const phone = "5215512345678"

	assert.Equal(t, []string{MenuText}, h.say(phone, "hola"))
	assert.Equal(t, []string{askNameText}, h.say(phone, "1"))
	assert.Equal(t, []string{askDateText}, h.say(phone, "ana lópez"))
	assert.Equal(t, []string{badDateText}, h.say(phone, "pasado mañana"))

	replies := h.say(phone, "09/04/2025")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "3. 10:00")
	assert.Equal(t, models.StepAskTime, h.step("5512345678"))

	assert.Equal(t, []string{badTimeText}, h.say(phone, "99"))
	replies = h.say(phone, "3")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Ana López")
	assert.Contains(t, replies[0], "miércoles 09/04/2025 a las 10:00")

	replies = h.say(phone, "sí")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "quedó agendada")
	assert.Equal(t, models.StepMenu, h.step("5512345678"))

	booked, err := h.st.QueryAppointments(context.Background(), store.AppointmentFilter{Phone: "5512345678"})
	require.NoError(t, err)
	require.Len(t, booked, 1)
	assert.Equal(t, "2025-04-09", booked[0].Date)
	assert.Equal(t, "10:00", booked[0].Time)

	replies = h.say(phone, "2")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "miércoles 09/04/2025 a las 10:00")

	// A known patient skips the name question.
	assert.Equal(t, []string{askDateText}, h.say(phone, "1"))
}

func TestBot_CancelConversation(t *testing.T) {
	h := newBotHarness(t, nil)
	ctx := context.Background()
	appt, _, err := h.bot.svc.Book(ctx, "5512345678", "Ana", "2025-04-09", "10:00")
	require.NoError(t, err)

	replies := h.say("5512345678", "3")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "1. miércoles 09/04/2025 a las 10:00")
	assert.Equal(t, []string{badPickText}, h.say("5512345678", "4"))
	assert.Equal(t, []string{"Tu cita fue cancelada."}, h.say("5512345678", "1"))

	stored, err := h.st.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	assert.Equal(t, []string{noUpcomingText}, h.say("5512345678", "3"))
	assert.Equal(t, models.StepMenu, h.step("5512345678"))
}

func TestBot_MenuResets(t *testing.T) {
	h := newBotHarness(t, nil)

	h.say("5512345678", "1")
	require.Equal(t, models.StepAskName, h.step("5512345678"))
	assert.Equal(t, []string{MenuText}, h.say("5512345678", "menu"))
	assert.Equal(t, models.StepMenu, h.step("5512345678"))

	h.say("5512345678", "1")
	assert.Equal(t, []string{MenuText}, h.say("5512345678", "0"))
}

func TestBot_SlotTakenWhileConfirming(t *testing.T) {
	h := newBotHarness(t, nil)
	const phone = "5512345678"

	h.say(phone, "1")
	h.say(phone, "Ana")
	h.say(phone, "2025-04-09")
	h.say(phone, "10:00")
	_, _, err := h.bot.svc.Book(context.Background(), "5599999999", "Luis", "2025-04-09", "10:00")
	require.NoError(t, err)

	replies := h.say(phone, "1")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "ya no está disponible")
	assert.Equal(t, models.StepAskDate, h.step(phone))
}

func TestBot_DeclineConfirmation(t *testing.T) {
	h := newBotHarness(t, nil)
	const phone = "5512345678"

	h.say(phone, "1")
	h.say(phone, "Ana")
	h.say(phone, "9/4")
	h.say(phone, "1")
	assert.Equal(t, []string{confirmHelpText}, h.say(phone, "tal vez"))
	assert.Equal(t, []string{askDateText}, h.say(phone, "no"))
	assert.Equal(t, models.StepAskDate, h.step(phone))
}

func TestBot_ClassifierRoutesFreeText(t *testing.T) {
	h := newBotHarness(t, fakeClassifier{intent: genai.IntentBook})
	assert.Equal(t, []string{askNameText}, h.say("5512345678", "quiero una cita"))

	h = newBotHarness(t, fakeClassifier{intent: genai.IntentList})
	assert.Equal(t, []string{noUpcomingText}, h.say("5512345678", "¿tengo citas?"))

	h = newBotHarness(t, fakeClassifier{err: errors.New("model offline")})
	assert.Equal(t, []string{MenuText}, h.say("5512345678", "hola"))
}

func TestBot_InvalidSender(t *testing.T) {
	h := newBotHarness(t, nil)
	assert.Error(t, h.bot.HandleMessage(context.Background(), "123", "1"))
}

func TestParseDate(t *testing.T) {
	now := time.Date(2025, 4, 7, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2025-04-09", "2025-04-09", true},
		{"09/04/2025", "2025-04-09", true},
		{"9/4/2025", "2025-04-09", true},
		{"09/04", "2025-04-09", true},
		{"01/02", "2026-02-01", true},
		{"31/02/2025", "", false},
		{"mañana", "", false},
	}
	for _, tt := range tests {
		got, ok := parseDate(tt.in, now)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
