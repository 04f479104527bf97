// Package models defines the core data structures for FunnelPipe.
//
// It includes funnel definitions, conversation state, pending timers and the
// API response envelope, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrInvalidRecipient     = errors.New("recipient is not a usable phone number")
	ErrFunnelNotFound       = errors.New("funnel not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrOrphanedState        = errors.New("conversation references a missing funnel or step")
	ErrDeliveryFailed       = errors.New("delivery failed on every instance")
	ErrInvalidFunnel        = errors.New("invalid funnel definition")
	ErrUnknownStepKind      = errors.New("unknown step type")
	ErrProtectedFunnel      = errors.New("built-in funnel cannot be deleted")
)

// OrderMetadata carries the business context of the payment event that started a funnel.
type OrderMetadata struct {
	OrderCode    string `json:"order_code"`
	CustomerName string `json:"customer_name"`
	ProductType  string `json:"product_type"`
	Amount       string `json:"amount"`
}

// PaymentEvent is a normalized payment-provider notification.
type PaymentEvent struct {
	Recipient string `json:"recipient" validate:"required"`
	Approved  bool   `json:"approved"`
	Pending   bool   `json:"pending"`
	OrderMetadata
}

// InboundMessage is a message observed on the gateway for a recipient.
type InboundMessage struct {
	Recipient string    `json:"recipient"`
	Instance  string    `json:"instance,omitempty"`
	Text      string    `json:"text"`
	FromMe    bool      `json:"from_me"`
	Time      time.Time `json:"time"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates a webhook was accepted but produced no action.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Ignored creates a response for webhooks that were accepted without action.
func Ignored(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusIgnored).
		WithMessage(message).
		Build()
}
