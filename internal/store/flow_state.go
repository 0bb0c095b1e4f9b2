package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// FlowStateRepo persists the booking conversation of each phone number.
type FlowStateRepo interface {
	SaveFlowState(ctx context.Context, state models.FlowState) error
	// GetFlowState returns nil, nil when the phone has no conversation in progress.
	GetFlowState(ctx context.Context, phone string) (*models.FlowState, error)
	DeleteFlowState(ctx context.Context, phone string) error
}

var (
	_ FlowStateRepo = (*SQLiteStore)(nil)
	_ FlowStateRepo = (*PostgresStore)(nil)
)

func (b *sqlBase) SaveFlowState(ctx context.Context, state models.FlowState) error {
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("marshal flow context: %w", err)
	}
	ts := utcNow()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = ts
	}
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO flow_states (phone, step, context_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (phone) DO UPDATE SET
		   step = excluded.step, context_json = excluded.context_json, updated_at = excluded.updated_at`),
		state.Phone, string(state.Step), string(contextJSON), state.CreatedAt.UTC(), ts,
	)
	if err != nil {
		slog.Error("Store.SaveFlowState failed", "error", err, "phone", state.Phone)
		return fmt.Errorf("save flow state %s: %w", state.Phone, err)
	}
	slog.Debug("Store.SaveFlowState succeeded", "phone", state.Phone, "step", state.Step)
	return nil
}

func (b *sqlBase) GetFlowState(ctx context.Context, phone string) (*models.FlowState, error) {
	var state models.FlowState
	var step string
	var contextJSON sql.NullString
	err := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT phone, step, context_json, created_at, updated_at FROM flow_states WHERE phone = ?`), phone,
	).Scan(&state.Phone, &step, &contextJSON, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow state %s: %w", phone, err)
	}
	state.Step = models.ConversationStep(step)
	if contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &state.Context); err != nil {
			// A corrupt context restarts the conversation rather than wedging it.
			slog.Warn("Store.GetFlowState: discarding unreadable context", "error", err, "phone", phone)
			state.Context = models.ConversationContext{}
			state.Step = models.StepMenu
		}
	}
	return &state, nil
}

func (b *sqlBase) DeleteFlowState(ctx context.Context, phone string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM flow_states WHERE phone = ?`), phone); err != nil {
		return fmt.Errorf("delete flow state %s: %w", phone, err)
	}
	return nil
}
