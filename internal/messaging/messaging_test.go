package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "(11) 99999-0000", want: "5511999990000"},
		{in: "1199990000", want: "551199990000"},
		{in: "+55 11 99999-0000", want: "5511999990000"},
		{in: "5511999990000@s.whatsapp.net", want: "5511999990000"},
		{in: "351912345678", want: "55351912345678"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidRecipient) {
					t.Errorf("expected ErrInvalidRecipient, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("NormalizePhone(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

type mockReplies struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockReplies) OnInboundReply(ctx context.Context, recipient, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recipient+":"+text)
	return true, nil
}

func (m *mockReplies) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func TestHandleRoutesReplies(t *testing.T) {
	replies := &mockReplies{}
	h := NewInboundHandler(replies)

	handled, err := h.Handle(context.Background(), models.InboundMessage{Recipient: "11999990000", Text: "oi"})
	if err != nil || !handled {
		t.Fatalf("Handle = (%v, %v)", handled, err)
	}
	if got := replies.snapshot(); len(got) != 1 || got[0] != "5511999990000:oi" {
		t.Errorf("unexpected reply calls: %v", got)
	}
}

func TestHandleResolvesAckEchoes(t *testing.T) {
	replies := &mockReplies{}
	acks := delivery.NewAckTracker()
	wait := acks.Register("abc")
	h := NewInboundHandler(replies, WithAckTracker(acks))

	echo := delivery.AppendMarker("hello", "abc")
	handled, err := h.Handle(context.Background(), models.InboundMessage{Recipient: "5511", Text: echo, FromMe: true})
	if err != nil || handled {
		t.Fatalf("echo should not count as a reply: (%v, %v)", handled, err)
	}
	select {
	case <-wait:
	default:
		t.Error("ack was not resolved")
	}
	if len(replies.snapshot()) != 0 {
		t.Error("echo must not reach the reply handler")
	}
}

func TestHandleRejectsInvalidRecipient(t *testing.T) {
	h := NewInboundHandler(&mockReplies{})
	if _, err := h.Handle(context.Background(), models.InboundMessage{Recipient: "status@broadcast"}); !errors.Is(err, models.ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}

type chanSource chan models.InboundMessage

func (c chanSource) Inbound() <-chan models.InboundMessage { return c }

func TestPumpDrainsSourceUntilClosed(t *testing.T) {
	replies := &mockReplies{}
	h := NewInboundHandler(replies)
	src := make(chanSource, 3)
	src <- models.InboundMessage{Recipient: "5511999990000", Text: "a"}
	src <- models.InboundMessage{Recipient: "5511999990000", Text: "me", FromMe: true}
	src <- models.InboundMessage{Recipient: "5511999990001", Text: "b"}
	close(src)

	done := make(chan struct{})
	go func() {
		h.Pump(context.Background(), src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after source closed")
	}
	if got := replies.snapshot(); len(got) != 2 {
		t.Errorf("expected 2 replies, got %v", got)
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	h := NewInboundHandler(&mockReplies{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Pump(ctx, make(chanSource))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not stop on cancel")
	}
}
