// Package models defines state management structures for FunnelPipe conversations.
package models

import "time"

// ConversationState is the derived lifecycle state of a conversation.
type ConversationState string

const (
	StateRunning       ConversationState = "RUNNING"
	StateAwaitingReply ConversationState = "AWAITING_REPLY"
	StateCompleted     ConversationState = "COMPLETED"
)

// Conversation is the live progress of one recipient through one funnel.
type Conversation struct {
	Recipient          string `json:"recipient"`
	FunnelID           string `json:"funnel_id"`
	StepIndex          int    `json:"step_index"`
	WaitingForResponse bool   `json:"waiting_for_response"`
	Completed          bool   `json:"completed"`
	OrderMetadata
	CreatedAt         time.Time  `json:"created_at"`
	LastSystemMessage *time.Time `json:"last_system_message,omitempty"`
	LastReply         *time.Time `json:"last_reply,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// State derives the lifecycle state from the stored flags.
func (c *Conversation) State() ConversationState {
	switch {
	case c.Completed:
		return StateCompleted
	case c.WaitingForResponse:
		return StateAwaitingReply
	default:
		return StateRunning
	}
}

// TimerKind distinguishes step reply timeouts from payment-window timeouts.
type TimerKind string

const (
	TimerKindStep    TimerKind = "step"
	TimerKindPayment TimerKind = "payment"
)

// PendingTimer is an armed timeout persisted so it can be re-armed after a restart.
type PendingTimer struct {
	Recipient string    `json:"recipient"`
	Kind      TimerKind `json:"kind"`
	StepIndex int       `json:"step_index"`
	OrderCode string    `json:"order_code,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TimerInfo provides information about an armed timer.
type TimerInfo struct {
	Recipient   string    `json:"recipient"`
	Kind        TimerKind `json:"kind"`
	StepIndex   int       `json:"step_index"`
	OrderCode   string    `json:"order_code,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
}
