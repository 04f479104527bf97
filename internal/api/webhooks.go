package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Defaults applied to incomplete payment notifications.
const (
	defaultCustomerName = "Cliente"
	defaultTotalPrice   = "R$ 0,00"
	orderCodePrefix     = "ORDER_"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// kirvanoPayload is the subset of the payment provider's notification we read.
type kirvanoPayload struct {
	Event         string     `json:"event"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	PaymentMethod string     `json:"payment_method"`
	SaleID        flexString `json:"sale_id"`
	CheckoutID    flexString `json:"checkout_id"`
	TotalPrice    flexString `json:"total_price"`
	Payment       struct {
		Method string `json:"method"`
	} `json:"payment"`
	Customer struct {
		Name        string     `json:"name"`
		PhoneNumber flexString `json:"phone_number"`
	} `json:"customer"`
	Products []struct {
		OfferID string `json:"offer_id"`
	} `json:"products"`
}

// parseKirvano normalizes a payment notification. The recipient phone must be
// usable; everything else falls back to defaults.
func parseKirvano(p kirvanoPayload, products map[string]string, now time.Time) (models.PaymentEvent, error) {
	event := strings.ToUpper(p.Event)
	status := strings.ToUpper(p.Status)
	if status == "" {
		status = strings.ToUpper(p.PaymentStatus)
	}
	method := strings.ToUpper(p.Payment.Method)
	if method == "" {
		method = strings.ToUpper(p.PaymentMethod)
	}

	recipient, err := messaging.NormalizePhone(string(p.Customer.PhoneNumber))
	if err != nil {
		return models.PaymentEvent{}, err
	}

	orderCode := string(p.SaleID)
	if orderCode == "" {
		orderCode = string(p.CheckoutID)
	}
	if orderCode == "" {
		orderCode = fmt.Sprintf("%s%d", orderCodePrefix, now.UnixMilli())
	}

	name := p.Customer.Name
	if name == "" {
		name = defaultCustomerName
	}
	amount := string(p.TotalPrice)
	if amount == "" {
		amount = defaultTotalPrice
	}

	product := models.ProductUnknown
	if len(p.Products) > 0 {
		if mapped, ok := products[p.Products[0].OfferID]; ok {
			product = mapped
		}
	}

	approved := strings.Contains(event, "APPROVED") || strings.Contains(event, "PAID") || status == "APPROVED"
	return models.PaymentEvent{
		Recipient: recipient,
		Approved:  approved,
		Pending:   !approved && (strings.Contains(method, "PIX") || strings.Contains(event, "PIX")),
		OrderMetadata: models.OrderMetadata{
			OrderCode:    orderCode,
			CustomerName: name,
			ProductType:  product,
			Amount:       amount,
		},
	}, nil
}

// PaymentWebhookResult is returned for an accepted payment notification.
type PaymentWebhookResult struct {
	Recipient   string `json:"recipient"`
	FunnelID    string `json:"funnel_id"`
	OrderCode   string `json:"order_code"`
	ProductType string `json:"product_type"`
}

func (s *Server) kirvanoWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.kirvanoWebhookHandler: processing payment notification", "path", r.URL.Path)

	var p kirvanoPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.kirvanoWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ev, err := parseKirvano(p, s.opts.ProductMapping, time.Now())
	if err == nil {
		err = s.validate.Struct(ev)
	}
	if err != nil {
		slog.Warn("Server.kirvanoWebhookHandler: rejected notification", "phone", p.Customer.PhoneNumber, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid customer phone"))
		return
	}

	s.deps.Feed.Publish("KIRVANO_EVENT",
		fmt.Sprintf("%s - %s - %s", strings.ToUpper(p.Event), ev.ProductType, ev.CustomerName),
		map[string]any{"order_code": ev.OrderCode, "recipient": ev.Recipient})

	route := models.RouteForProduct(ev.ProductType)
	result := PaymentWebhookResult{Recipient: ev.Recipient, OrderCode: ev.OrderCode, ProductType: ev.ProductType}

	switch {
	case ev.Approved:
		result.FunnelID = route.Approved
		s.background("approval", func(ctx context.Context) error {
			return s.deps.Engine.OnApprovalEvent(ctx, ev.Recipient, ev.OrderMetadata)
		})
	case ev.Pending:
		result.FunnelID = route.Pending
		s.background("pending_payment", func(ctx context.Context) error {
			return s.deps.Engine.OnPendingPaymentEvent(ctx, ev.Recipient, ev.OrderMetadata)
		})
	default:
		slog.Info("Server.kirvanoWebhookHandler: event ignored", "event", p.Event, "order_code", ev.OrderCode)
		writeJSONResponse(w, http.StatusOK, models.Ignored("Event does not start a funnel"))
		return
	}

	slog.Info("Server.kirvanoWebhookHandler: notification accepted",
		"recipient", ev.Recipient, "funnel_id", result.FunnelID, "order_code", ev.OrderCode)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Processed", result))
}

// evolutionPayload is the gateway's message webhook.
type evolutionPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     *struct {
		Key *struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		Message *evolutionMessage `json:"message"`
	} `json:"data"`
}

type evolutionMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	VideoMessage *struct {
		Caption string `json:"caption"`
	} `json:"videoMessage"`
	ButtonsResponseMessage *struct {
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		SingleSelectReply *struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage"`
	TemplateButtonReplyMessage *struct {
		SelectedID string `json:"selectedId"`
	} `json:"templateButtonReplyMessage"`
}

// Text returns the first non-empty textual part of the message.
func (m *evolutionMessage) Text() string {
	switch {
	case m == nil:
		return ""
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		return m.ExtendedTextMessage.Text
	case m.ImageMessage != nil && m.ImageMessage.Caption != "":
		return m.ImageMessage.Caption
	case m.VideoMessage != nil && m.VideoMessage.Caption != "":
		return m.VideoMessage.Caption
	case m.ButtonsResponseMessage != nil && m.ButtonsResponseMessage.SelectedDisplayText != "":
		return m.ButtonsResponseMessage.SelectedDisplayText
	case m.ListResponseMessage != nil && m.ListResponseMessage.SingleSelectReply != nil:
		return m.ListResponseMessage.SingleSelectReply.SelectedRowID
	case m.TemplateButtonReplyMessage != nil:
		return m.TemplateButtonReplyMessage.SelectedID
	}
	return ""
}

func (s *Server) evolutionWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var p evolutionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.evolutionWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.Data == nil || p.Data.Key == nil || p.Data.Key.RemoteJID == "" {
		writeJSONResponse(w, http.StatusOK, models.Ignored("No message key"))
		return
	}
	if strings.HasSuffix(p.Data.Key.RemoteJID, "@g.us") {
		writeJSONResponse(w, http.StatusOK, models.Ignored("Group messages are not tracked"))
		return
	}
	if s.deps.Inbound == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Inbound handling not configured"))
		return
	}

	msg := models.InboundMessage{
		Recipient: p.Data.Key.RemoteJID,
		Instance:  p.Instance,
		Text:      p.Data.Message.Text(),
		FromMe:    p.Data.Key.FromMe,
		Time:      time.Now(),
	}
	slog.Debug("Server.evolutionWebhookHandler: message received",
		"recipient", msg.Recipient, "instance", msg.Instance, "from_me", msg.FromMe)

	s.background("inbound", func(ctx context.Context) error {
		_, err := s.deps.Inbound.Handle(ctx, msg)
		return err
	})
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
