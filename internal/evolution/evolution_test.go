package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
)

type recordedRequest struct {
	Path   string
	APIKey string
	Body   map[string]any
}

func newTestServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Path: r.URL.Path, APIKey: r.Header.Get("apikey"), Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"status":"x"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestSendText(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusCreated)
	c, err := NewClient(srv.URL+"/", "secret", "GABY01")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "+5511999990000", Kind: gateway.PayloadText, Text: "oi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Path != "/message/sendText/GABY01" || r.APIKey != "secret" {
		t.Errorf("unexpected request: %+v", r)
	}
	if r.Body["number"] != "5511999990000" || r.Body["text"] != "oi" {
		t.Errorf("unexpected body: %v", r.Body)
	}
}

func TestSendMedia(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK)
	c, _ := NewClient(srv.URL, "k", "GABY02")
	ctx := context.Background()

	if err := c.Send(ctx, gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadImage, Text: "cap", MediaURL: "https://x/a.jpg"}); err != nil {
		t.Fatalf("Send image: %v", err)
	}
	if err := c.Send(ctx, gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadVideo, MediaURL: "https://x/v.mp4"}); err != nil {
		t.Fatalf("Send video: %v", err)
	}

	reqs := requests()
	if reqs[0].Path != "/message/sendMedia/GABY02" || reqs[1].Path != "/message/sendVideo/GABY02" {
		t.Errorf("unexpected paths: %s, %s", reqs[0].Path, reqs[1].Path)
	}
	media := reqs[0].Body["mediaMessage"].(map[string]any)
	if media["mediatype"] != "image" || media["media"] != "https://x/a.jpg" || media["caption"] != "cap" {
		t.Errorf("unexpected image body: %v", media)
	}
	video := reqs[1].Body["mediaMessage"].(map[string]any)
	if video["mediatype"] != "video" {
		t.Errorf("unexpected video body: %v", video)
	}
	if _, ok := video["caption"]; ok {
		t.Errorf("empty caption should be omitted: %v", video)
	}
}

func TestSetPresence(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK)
	c, _ := NewClient(srv.URL, "k", "GABY03")

	if err := c.SetPresence(context.Background(), "5511", gateway.PresenceComposing); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	r := requests()[0]
	if r.Path != "/chat/sendPresence/GABY03" || r.Body["presence"] != "composing" {
		t.Errorf("unexpected presence request: %+v", r)
	}
}

func TestSendReportsAPIError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError)
	c, _ := NewClient(srv.URL, "k", "GABY04")

	err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadText, Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}
}

func TestSendHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, "k", "GABY05", WithTimeout(20*time.Millisecond))

	if err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadText, Text: "x"}); err == nil {
		t.Error("expected timeout error")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "k", "GABY01"); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("expected ErrMissingConfig, got %v", err)
	}
	if _, err := NewClient("http://x", "k", ""); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("expected ErrMissingConfig, got %v", err)
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK)
	c, _ := NewClient(srv.URL, "k", "GABY01")
	if err := c.Send(context.Background(), gateway.OutboundMessage{Kind: gateway.PayloadText}); err == nil {
		t.Error("expected validation error")
	}
	if len(requests()) != 0 {
		t.Error("invalid payload must not be sent")
	}
}
