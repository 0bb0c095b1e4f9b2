package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/genai"
	"github.com/BTreeMap/ApptPipe/internal/models"
	"github.com/BTreeMap/ApptPipe/internal/store"
)

// Bot texts.
const (
	MenuText = "Hola, soy el asistente de citas de la clínica.\n" +
		"1. Agendar una cita\n" +
		"2. Ver mis citas\n" +
		"3. Cancelar una cita\n" +
		"Escribe menu o 0 en cualquier momento para volver aquí."
	askNameText     = "¿A nombre de quién agendamos la cita?"
	askDateText     = "¿Qué día te gustaría venir? Escribe la fecha como DD/MM/AAAA."
	badDateText     = "No entendí la fecha. Escríbela como DD/MM/AAAA, por ejemplo 07/04/2025."
	noSlotsText     = "No hay horarios disponibles ese día. Prueba con otra fecha."
	badTimeText     = "Elige uno de los números de la lista o escribe la hora como HH:MM."
	confirmHelpText = "Responde 1 para confirmar o 2 para elegir otra fecha."
	noUpcomingText  = "No tienes citas próximas."
	badPickText     = "Elige el número de la cita que quieres cancelar, o escribe menu para volver."
)

// IntentClassifier maps free text onto a menu option.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, text string) (genai.Intent, error)
}

var _ IntentClassifier = (*genai.Client)(nil)

// Bot is the WhatsApp menu conversation. Its state lives in the store so conversations survive
// restarts; replies go through the outbox.
type Bot struct {
	svc        *Service
	states     store.FlowStateRepo
	outbox     store.OutboxRepo
	classifier IntentClassifier
}

// NewBot creates a bot over svc. classifier may be nil.
func NewBot(svc *Service, states store.FlowStateRepo, outbox store.OutboxRepo, classifier IntentClassifier) *Bot {
	return &Bot{svc: svc, states: states, outbox: outbox, classifier: classifier}
}

// HandleMessage advances the conversation of from with text. It has the signature of
// messaging.InboundFunc.
func (b *Bot) HandleMessage(ctx context.Context, from, text string) error {
	phone, err := models.CanonicalPhone(from)
	if err != nil {
		return err
	}
	state, err := b.states.GetFlowState(ctx, phone)
	if err != nil {
		return fmt.Errorf("load conversation of %s: %w", phone, err)
	}
	if state == nil {
		state = &models.FlowState{Phone: phone, Step: models.StepMenu}
	}
	input := strings.TrimSpace(text)
	slog.Debug("Bot.HandleMessage", "phone", phone, "step", state.Step)

	var replies []string
	if isMenuCommand(input) {
		b.reset(state)
		replies = []string{MenuText}
	} else {
		replies, err = b.step(ctx, state, input)
		if err != nil {
			return err
		}
	}

	if err := b.states.SaveFlowState(ctx, *state); err != nil {
		return fmt.Errorf("save conversation of %s: %w", phone, err)
	}
	for _, r := range replies {
		if err := enqueueText(ctx, b.outbox, phone, OutboxKindReply, r, ""); err != nil {
			return err
		}
	}
	return nil
}

func isMenuCommand(input string) bool {
	switch strings.ToLower(input) {
	case "menu", "menú", "0":
		return true
	}
	return false
}

func (b *Bot) reset(state *models.FlowState) {
	state.Step = models.StepMenu
	state.Context = models.ConversationContext{}
}

func (b *Bot) step(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	switch state.Step {
	case models.StepAskName:
		return b.onName(ctx, state, input)
	case models.StepAskDate:
		return b.onDate(ctx, state, input)
	case models.StepAskTime:
		return b.onTime(state, input)
	case models.StepConfirm:
		return b.onConfirm(ctx, state, input)
	case models.StepCancelPick:
		return b.onCancelPick(ctx, state, input)
	default:
		return b.onMenu(ctx, state, input)
	}
}

func (b *Bot) onMenu(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	b.reset(state)
	switch input {
	case "1":
		patient, err := b.svc.store.GetPatient(ctx, state.Phone)
		if err != nil {
			return nil, err
		}
		if patient != nil && patient.Name != "" {
			state.Context.PatientName = patient.Name
			state.Step = models.StepAskDate
			return []string{askDateText}, nil
		}
		state.Step = models.StepAskName
		return []string{askNameText}, nil
	case "2":
		return b.listUpcoming(ctx, state)
	case "3":
		return b.startCancel(ctx, state)
	}
	if b.classifier != nil && input != "" {
		intent, err := b.classifier.ClassifyIntent(ctx, input)
		if err != nil {
			slog.Warn("Bot.onMenu: intent classification failed", "error", err, "phone", state.Phone)
		} else {
			switch intent {
			case genai.IntentBook:
				return b.onMenu(ctx, state, "1")
			case genai.IntentList:
				return b.onMenu(ctx, state, "2")
			case genai.IntentCancel:
				return b.onMenu(ctx, state, "3")
			}
		}
	}
	return []string{MenuText}, nil
}

func (b *Bot) listUpcoming(ctx context.Context, state *models.FlowState) ([]string, error) {
	upcoming, err := b.svc.Upcoming(ctx, state.Phone)
	if err != nil {
		return nil, err
	}
	if len(upcoming) == 0 {
		return []string{noUpcomingText}, nil
	}
	var sb strings.Builder
	sb.WriteString("Tus próximas citas:")
	for _, a := range upcoming {
		sb.WriteString("\n- ")
		sb.WriteString(b.svc.FormatAppointment(a))
	}
	return []string{sb.String()}, nil
}

func (b *Bot) startCancel(ctx context.Context, state *models.FlowState) ([]string, error) {
	upcoming, err := b.svc.Upcoming(ctx, state.Phone)
	if err != nil {
		return nil, err
	}
	if len(upcoming) == 0 {
		return []string{noUpcomingText}, nil
	}
	var sb strings.Builder
	sb.WriteString("¿Cuál cita quieres cancelar?")
	for i, a := range upcoming {
		state.Context.CandidateIDs = append(state.Context.CandidateIDs, a.ID)
		fmt.Fprintf(&sb, "\n%d. %s", i+1, b.svc.FormatAppointment(a))
	}
	state.Step = models.StepCancelPick
	return []string{sb.String()}, nil
}

func (b *Bot) onName(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	name := models.NormalizePatientName(input)
	if name == "" {
		return []string{askNameText}, nil
	}
	state.Context.PatientName = name
	state.Step = models.StepAskDate
	return []string{askDateText}, nil
}

// parseDate accepts DD/MM/YYYY, DD/MM (the next such date) and YYYY-MM-DD.
func parseDate(input string, now time.Time) (string, bool) {
	input = strings.TrimSpace(input)
	if t, err := time.Parse(models.DateLayout, input); err == nil {
		return t.Format(models.DateLayout), true
	}
	if t, err := time.Parse("2/1/2006", input); err == nil {
		return t.Format(models.DateLayout), true
	}
	if t, err := time.Parse("2/1", input); err == nil {
		d := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if d.Before(today) {
			d = d.AddDate(1, 0, 0)
		}
		return d.Format(models.DateLayout), true
	}
	return "", false
}

func (b *Bot) onDate(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	date, ok := parseDate(input, b.svc.now().In(b.svc.hours.Location))
	if !ok {
		return []string{badDateText}, nil
	}
	slots, err := b.svc.AvailableSlots(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return []string{noSlotsText}, nil
	}
	state.Context.Date = date
	state.Context.OfferedTimes = slots
	state.Step = models.StepAskTime
	var sb strings.Builder
	sb.WriteString("Horarios disponibles:")
	for i, s := range slots {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, s)
	}
	return []string{sb.String()}, nil
}

func (b *Bot) onTime(state *models.FlowState, input string) ([]string, error) {
	offered := state.Context.OfferedTimes
	chosen := ""
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(offered) {
		chosen = offered[n-1]
	} else {
		for _, t := range offered {
			if t == input {
				chosen = t
				break
			}
		}
	}
	if chosen == "" {
		return []string{badTimeText}, nil
	}
	state.Context.Time = chosen
	state.Step = models.StepConfirm
	preview := models.Appointment{Date: state.Context.Date, Time: chosen}
	return []string{fmt.Sprintf("Cita para %s el %s. %s", state.Context.PatientName, b.svc.FormatAppointment(preview), confirmHelpText)}, nil
}

func (b *Bot) onConfirm(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	switch strings.ToLower(input) {
	case "1", "si", "sí":
	case "2", "no":
		state.Step = models.StepAskDate
		state.Context.Date, state.Context.Time, state.Context.OfferedTimes = "", "", nil
		return []string{askDateText}, nil
	default:
		return []string{confirmHelpText}, nil
	}

	c := state.Context
	appt, existed, err := b.svc.Book(ctx, state.Phone, c.PatientName, c.Date, c.Time)
	switch {
	case err == nil:
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrInPast), errors.Is(err, ErrOutsideHours),
		errors.Is(err, ErrClosedDay), errors.Is(err, ErrTooFarAhead):
		state.Step = models.StepAskDate
		state.Context.Date, state.Context.Time, state.Context.OfferedTimes = "", "", nil
		return []string{"Ese horario ya no está disponible. " + askDateText}, nil
	default:
		return nil, err
	}
	b.reset(state)
	if existed {
		return []string{"Ya tenías esa cita agendada: " + b.svc.FormatAppointment(appt) + "."}, nil
	}
	return []string{fmt.Sprintf("Listo, tu cita quedó agendada para el %s. Número de cita: %d.", b.svc.FormatAppointment(appt), appt.ID)}, nil
}

func (b *Bot) onCancelPick(ctx context.Context, state *models.FlowState, input string) ([]string, error) {
	ids := state.Context.CandidateIDs
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(ids) {
		return []string{badPickText}, nil
	}
	id := ids[n-1]
	b.reset(state)
	err = b.svc.Cancel(ctx, state.Phone, id)
	switch {
	case err == nil:
		return []string{"Tu cita fue cancelada."}, nil
	case errors.Is(err, ErrNotActive), errors.Is(err, store.ErrNotFound):
		return []string{"Esa cita ya no está activa."}, nil
	default:
		return nil, err
	}
}
