package models

import "time"

// ConversationStep names a step of the booking conversation.
type ConversationStep string

const (
	StepMenu       ConversationStep = "menu"
	StepAskName    ConversationStep = "ask_name"
	StepAskDate    ConversationStep = "ask_date"
	StepAskTime    ConversationStep = "ask_time"
	StepConfirm    ConversationStep = "confirm"
	StepCancelPick ConversationStep = "cancel_pick"
)

// ConversationContext is the data a patient has entered so far.
type ConversationContext struct {
	PatientName  string   `json:"patient_name,omitempty"`
	Date         string   `json:"date,omitempty"`
	Time         string   `json:"time,omitempty"`
	OfferedTimes []string `json:"offered_times,omitempty"`
	CandidateIDs []int64  `json:"candidate_ids,omitempty"`
}

// FlowState is the persisted conversation state for one phone number.
type FlowState struct {
	Phone     string              `json:"phone"`
	Step      ConversationStep    `json:"step"`
	Context   ConversationContext `json:"context"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}
