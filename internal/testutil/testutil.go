// Package testutil provides common test utilities and helpers for FunnelPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/activity"
	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// TestInstances are the gateway instances of a test environment.
var TestInstances = []string{"GABY01", "GABY02"}

// TestingT is the subset of testing.T the assertion helpers use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Env is a fully wired FunnelPipe stack over in-memory collaborators.
type Env struct {
	Store        *store.InMemoryStore
	Transport    *gateway.MockTransport
	Dispatcher   *delivery.Dispatcher
	Acks         *delivery.AckTracker
	Feed         *activity.Feed
	Orchestrator *flow.Orchestrator
	Server       *api.Server
}

// NewTestEnv builds an Env with the default funnels seeded. Funnel seconds
// run as milliseconds and funnel minutes as seconds, so reply timeouts of the
// default funnels outlast a test. Everything is stopped on cleanup.
func NewTestEnv(t *testing.T, orchOpts ...flow.Option) *Env {
	t.Helper()

	st := store.NewInMemoryStore()
	for _, f := range models.DefaultFunnels() {
		if err := st.SaveFunnel(f); err != nil {
			t.Fatalf("seed funnel %s: %v", f.ID, err)
		}
	}
	feed, err := activity.NewFeed(activity.DefaultCapacity)
	if err != nil {
		t.Fatalf("activity feed: %v", err)
	}

	transport := gateway.NewMockTransport()
	acks := delivery.NewAckTracker()
	d := delivery.NewDispatcher(transport, TestInstances, st, delivery.WithNotifier(feed))

	opts := append([]flow.Option{
		flow.WithTimeUnits(time.Millisecond, time.Second),
		flow.WithPaymentTimeout(time.Minute),
		flow.WithNotifier(feed),
		flow.WithPresence(delivery.NewPresenceSimulator(transport, d)),
	}, orchOpts...)
	orch := flow.NewOrchestrator(st, idempotency.NewMemoryGuard(), d, opts...)

	inbound := messaging.NewInboundHandler(orch, messaging.WithAckTracker(acks), messaging.WithNotifier(feed))
	srv, err := api.NewServer(api.Deps{
		Engine:  orch,
		Funnels: st,
		Sticky:  st,
		Sender:  d,
		Inbound: inbound,
		Feed:    feed,
		Acks:    acks,
	})
	if err != nil {
		t.Fatalf("api server: %v", err)
	}

	t.Cleanup(func() {
		srv.Wait()
		orch.Stop()
		feed.Close()
	})
	return &Env{
		Store:        st,
		Transport:    transport,
		Dispatcher:   d,
		Acks:         acks,
		Feed:         feed,
		Orchestrator: orch,
		Server:       srv,
	}
}

// Do serves req through the environment's router and waits for any
// background webhook work it started.
func (e *Env) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.Server.Handler().ServeHTTP(rr, req)
	e.Server.Wait()
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response envelope and validates its status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message: %v)", expectedStatus, status, response["message"])
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody.WriteString(b)
		default:
			reqBody.Write(MustMarshalJSON(t, body))
		}
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// KirvanoPayload builds a payment notification body.
func KirvanoPayload(event, method, phone, saleID, offerID string) map[string]interface{} {
	return map[string]interface{}{
		"event":       event,
		"sale_id":     saleID,
		"total_price": "R$ 97,00",
		"payment":     map[string]interface{}{"method": method},
		"customer":    map[string]interface{}{"name": "Maria", "phone_number": phone},
		"products":    []map[string]interface{}{{"offer_id": offerID}},
	}
}

// EvolutionPayload builds a gateway message webhook body.
func EvolutionPayload(instance, remoteJID, text string, fromMe bool) map[string]interface{} {
	return map[string]interface{}{
		"event":    "messages.upsert",
		"instance": instance,
		"data": map[string]interface{}{
			"key":     map[string]interface{}{"remoteJid": remoteJID, "fromMe": fromMe},
			"message": map[string]interface{}{"conversation": text},
		},
	}
}

// AssertConversation fetches recipient's conversation and checks its step and waiting flag.
func AssertConversation(t TestingT, st store.ConversationStore, recipient, funnelID string, step int, waiting bool) *models.Conversation {
	t.Helper()
	conv, err := st.GetConversation(recipient)
	if err != nil {
		t.Fatalf("GetConversation(%s): %v", recipient, err)
		return nil
	}
	if conv == nil {
		t.Fatalf("no conversation for %s", recipient)
		return nil
	}
	if conv.FunnelID != funnelID || conv.StepIndex != step || conv.WaitingForResponse != waiting {
		t.Errorf("conversation %s: got funnel=%s step=%d waiting=%v, want funnel=%s step=%d waiting=%v",
			recipient, conv.FunnelID, conv.StepIndex, conv.WaitingForResponse, funnelID, step, waiting)
	}
	return conv
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
