package gateway

import (
	"context"
	"sync"
)

// SentMessage records one call to MockTransport.Send.
type SentMessage struct {
	Instance string
	Message  OutboundMessage
}

// PresenceCall records one call to MockTransport.SetPresence.
type PresenceCall struct {
	Instance  string
	Recipient string
	State     PresenceState
}

// MockTransport implements Transport in memory for tests. Instances listed in
// Fail return the mapped error; every call is recorded.
type MockTransport struct {
	mu       sync.Mutex
	Fail     map[string]error
	Sent     []SentMessage
	Attempts []string
	Presence []PresenceCall
	// OnSend runs after a successful send, outside the mock's lock.
	OnSend func(instance string, msg OutboundMessage)
}

// Compile-time check that MockTransport implements Transport.
var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates a MockTransport where every instance succeeds.
func NewMockTransport() *MockTransport {
	return &MockTransport{Fail: make(map[string]error)}
}

// SetFailure makes instance fail with err; a nil err clears the failure.
func (m *MockTransport) SetFailure(instance string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Fail, instance)
		return
	}
	m.Fail[instance] = err
}

func (m *MockTransport) Send(ctx context.Context, instance string, msg OutboundMessage) error {
	m.mu.Lock()
	m.Attempts = append(m.Attempts, instance)
	if err := m.Fail[instance]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.Sent = append(m.Sent, SentMessage{Instance: instance, Message: msg})
	hook := m.OnSend
	m.mu.Unlock()

	if hook != nil {
		hook(instance, msg)
	}
	return nil
}

func (m *MockTransport) SetPresence(ctx context.Context, instance, recipient string, state PresenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Presence = append(m.Presence, PresenceCall{Instance: instance, Recipient: recipient, State: state})
	return m.Fail[instance]
}

// SentMessages returns a copy of the successful sends.
func (m *MockTransport) SentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// AttemptedInstances returns every instance Send was called on, in order.
func (m *MockTransport) AttemptedInstances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Attempts...)
}

// PresenceCalls returns a copy of the recorded presence signals.
func (m *MockTransport) PresenceCalls() []PresenceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PresenceCall(nil), m.Presence...)
}

// Reset clears recorded calls but keeps configured failures.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
	m.Attempts = nil
	m.Presence = nil
}
