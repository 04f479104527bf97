package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

func decodeKirvano(t *testing.T, raw string) kirvanoPayload {
	t.Helper()
	var p kirvanoPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

func TestParseKirvano(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	products := models.DefaultProductMapping()

	tests := []struct {
		name     string
		raw      string
		approved bool
		pending  bool
		meta     models.OrderMetadata
		phone    string
	}{
		{
			name:     "approved card sale",
			raw:      `{"event":"SALE_APPROVED","sale_id":"S1","total_price":"R$ 97,00","customer":{"name":"Ana","phone_number":"(11) 99999-0000"},"products":[{"offer_id":"5288799c-d8e3-48ce-a91d-587814acdee5"}]}`,
			approved: true,
			meta:     models.OrderMetadata{OrderCode: "S1", CustomerName: "Ana", ProductType: models.ProductFAB, Amount: "R$ 97,00"},
			phone:    "5511999990000",
		},
		{
			name:     "approved by status",
			raw:      `{"event":"sale_updated","payment_status":"approved","checkout_id":"C9","customer":{"phone_number":"5511999990000"}}`,
			approved: true,
			meta:     models.OrderMetadata{OrderCode: "C9", CustomerName: "Cliente", ProductType: models.ProductUnknown, Amount: "R$ 0,00"},
			phone:    "5511999990000",
		},
		{
			name:    "pix generated",
			raw:     `{"event":"PIX_GENERATED","sale_id":123,"payment":{"method":"pix"},"total_price":47.5,"customer":{"name":"Bia","phone_number":"11988887777"},"products":[{"offer_id":"5c1f6390-8999-4740-b16f-51380e1097e4"}]}`,
			pending: true,
			meta:    models.OrderMetadata{OrderCode: "123", CustomerName: "Bia", ProductType: models.ProductCS, Amount: "47.5"},
			phone:   "5511988887777",
		},
		{
			name:    "pix by method field",
			raw:     `{"event":"SALE_CREATED","payment_method":"PIX","customer":{"phone_number":"11988887777"}}`,
			pending: true,
			meta:    models.OrderMetadata{OrderCode: "ORDER_1700000000000", CustomerName: "Cliente", ProductType: models.ProductUnknown, Amount: "R$ 0,00"},
			phone:   "5511988887777",
		},
		{
			name:  "refund is neither",
			raw:   `{"event":"SALE_REFUNDED","sale_id":"S2","payment":{"method":"CREDIT_CARD"},"customer":{"phone_number":"11988887777"}}`,
			meta:  models.OrderMetadata{OrderCode: "S2", CustomerName: "Cliente", ProductType: models.ProductUnknown, Amount: "R$ 0,00"},
			phone: "5511988887777",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseKirvano(decodeKirvano(t, tt.raw), products, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Approved != tt.approved || ev.Pending != tt.pending {
				t.Errorf("approved=%v pending=%v, want %v %v", ev.Approved, ev.Pending, tt.approved, tt.pending)
			}
			if ev.OrderMetadata != tt.meta {
				t.Errorf("metadata = %+v, want %+v", ev.OrderMetadata, tt.meta)
			}
			if ev.Recipient != tt.phone {
				t.Errorf("recipient = %s, want %s", ev.Recipient, tt.phone)
			}
		})
	}
}

func TestParseKirvanoRejectsMissingPhone(t *testing.T) {
	_, err := parseKirvano(decodeKirvano(t, `{"event":"SALE_APPROVED","customer":{"phone_number":"n/a"}}`), nil, time.Now())
	if !errors.Is(err, models.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestEvolutionMessageText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"conversation":"oi"}`, "oi"},
		{`{"extendedTextMessage":{"text":"link"}}`, "link"},
		{`{"imageMessage":{"caption":"foto"}}`, "foto"},
		{`{"videoMessage":{"caption":"video"}}`, "video"},
		{`{"buttonsResponseMessage":{"selectedDisplayText":"Sim"}}`, "Sim"},
		{`{"listResponseMessage":{"singleSelectReply":{"selectedRowId":"row-2"}}}`, "row-2"},
		{`{"templateButtonReplyMessage":{"selectedId":"btn-1"}}`, "btn-1"},
		{`{"audioMessage":{}}`, ""},
	}
	for _, tt := range tests {
		var m evolutionMessage
		if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
			t.Fatalf("decode %s: %v", tt.raw, err)
		}
		if got := m.Text(); got != tt.want {
			t.Errorf("Text(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	var nilMsg *evolutionMessage
	if nilMsg.Text() != "" {
		t.Error("nil message should have no text")
	}
}

func TestFlexString(t *testing.T) {
	var v struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
		C flexString `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"x","b":12.50,"c":null}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != "x" || v.B != "12.50" || v.C != "" {
		t.Errorf("unexpected values: %+v", v)
	}
	if err := json.Unmarshal([]byte(`{"a":true}`), &v); err == nil {
		t.Error("expected error for a boolean")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrConversationNotFound, http.StatusNotFound},
		{models.ErrFunnelNotFound, http.StatusNotFound},
		{models.ErrInvalidRecipient, http.StatusBadRequest},
		{models.ErrInvalidFunnel, http.StatusBadRequest},
		{models.ErrProtectedFunnel, http.StatusConflict},
		{models.ErrDeliveryFailed, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for unencodable payload, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Internal server error") {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
}

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(Deps{}); err == nil {
		t.Fatal("expected error without engine and funnel store")
	}
}
