package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// backends returns every store available in the test environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewInMemoryStore()}

	sqlite, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	out["sqlite"] = sqlite

	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Fatalf("failed to create Postgres store: %v", err)
		}
		for _, table := range []string{"funnels", "conversations", "sticky_instances", "pending_timers", "idempotency_keys"} {
			pg.db.Exec("DELETE FROM " + table)
		}
		out["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func TestFunnelCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := models.DefaultFunnels()[0]
			if err := s.SaveFunnel(f); err != nil {
				t.Fatalf("SaveFunnel: %v", err)
			}

			got, err := s.GetFunnel(f.ID)
			if err != nil || got == nil {
				t.Fatalf("GetFunnel: %v, %v", got, err)
			}
			if got.Name != f.Name || len(got.Steps) != len(f.Steps) {
				t.Errorf("funnel not stored correctly: %+v", got)
			}
			if gate, gated := got.Steps[0].Gate(); !gated || *gate.NextOnTimeout != 2 {
				t.Errorf("step gate lost: %+v", gate)
			}

			f.Name = "renamed"
			if err := s.SaveFunnel(f); err != nil {
				t.Fatalf("SaveFunnel update: %v", err)
			}
			list, err := s.ListFunnels()
			if err != nil || len(list) != 1 || list[0].Name != "renamed" {
				t.Errorf("ListFunnels after update: %+v, %v", list, err)
			}

			if err := s.DeleteFunnel(f.ID); err != nil {
				t.Fatalf("DeleteFunnel: %v", err)
			}
			if got, _ := s.GetFunnel(f.ID); got != nil {
				t.Error("funnel still present after delete")
			}
		})
	}
}

func TestConversationCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if got, err := s.GetConversation("missing"); got != nil || err != nil {
				t.Fatalf("expected nil, nil for missing conversation, got %v, %v", got, err)
			}

			now := time.Now().UTC().Truncate(time.Second)
			c := models.Conversation{
				Recipient:          "5511999999999@s.whatsapp.net",
				FunnelID:           "CS_PIX",
				StepIndex:          1,
				WaitingForResponse: true,
				OrderMetadata: models.OrderMetadata{
					OrderCode:    "ORD1",
					CustomerName: "Ana",
					ProductType:  "CS",
					Amount:       "R$ 10,00",
				},
				CreatedAt:         now,
				LastSystemMessage: &now,
				UpdatedAt:         now,
			}
			if err := s.SaveConversation(c); err != nil {
				t.Fatalf("SaveConversation: %v", err)
			}

			got, err := s.GetConversation(c.Recipient)
			if err != nil || got == nil {
				t.Fatalf("GetConversation: %v, %v", got, err)
			}
			if got.StepIndex != 1 || !got.WaitingForResponse || got.OrderCode != "ORD1" || got.CustomerName != "Ana" {
				t.Errorf("conversation not stored correctly: %+v", got)
			}
			if got.LastSystemMessage == nil || !got.LastSystemMessage.Equal(now) {
				t.Errorf("last system message lost: %v", got.LastSystemMessage)
			}
			if got.LastReply != nil {
				t.Errorf("expected nil last reply, got %v", got.LastReply)
			}

			c.Completed = true
			c.WaitingForResponse = false
			s.SaveConversation(c)
			list, err := s.ListConversations()
			if err != nil || len(list) != 1 || list[0].State() != models.StateCompleted {
				t.Errorf("ListConversations: %+v, %v", list, err)
			}

			if err := s.DeleteConversation(c.Recipient); err != nil {
				t.Fatalf("DeleteConversation: %v", err)
			}
			if got, _ := s.GetConversation(c.Recipient); got != nil {
				t.Error("conversation still present after delete")
			}
		})
	}
}

func TestStickyInstances(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if got, _ := s.GetStickyInstance("r"); got != "" {
				t.Fatalf("expected no sticky instance, got %q", got)
			}
			s.SetStickyInstance("r", "GABY01")
			s.SetStickyInstance("r", "GABY03")
			if got, _ := s.GetStickyInstance("r"); got != "GABY03" {
				t.Errorf("expected GABY03, got %q", got)
			}
			s.DeleteStickyInstance("r")
			if got, _ := s.GetStickyInstance("r"); got != "" {
				t.Errorf("expected sticky cleared, got %q", got)
			}
		})
	}
}

func TestPendingTimers(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			step := models.PendingTimer{Recipient: "r", Kind: models.TimerKindStep, StepIndex: 0, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
			pay := models.PendingTimer{Recipient: "r", Kind: models.TimerKindPayment, StepIndex: 2, OrderCode: "O1", ExpiresAt: now.Add(time.Minute), CreatedAt: now}
			s.SavePendingTimer(step)
			s.SavePendingTimer(pay)

			list, err := s.ListPendingTimers()
			if err != nil || len(list) != 2 {
				t.Fatalf("ListPendingTimers: %+v, %v", list, err)
			}
			if list[0].Kind != models.TimerKindPayment || list[0].OrderCode != "O1" {
				t.Errorf("expected payment timer first by expiry, got %+v", list[0])
			}

			step.StepIndex = 1
			s.SavePendingTimer(step)
			s.DeletePendingTimer("r", models.TimerKindPayment)
			list, _ = s.ListPendingTimers()
			if len(list) != 1 || list[0].StepIndex != 1 {
				t.Errorf("expected replaced step timer only, got %+v", list)
			}
		})
	}
}

func TestCheckAndMark(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			ttl := time.Minute

			first, err := s.CheckAndMark(ctx, "send:r:F:0", ttl, now)
			if err != nil {
				t.Fatalf("CheckAndMark: %v", err)
			}
			second, _ := s.CheckAndMark(ctx, "send:r:F:0", ttl, now.Add(time.Second))
			if first || !second {
				t.Errorf("expected (false, true), got (%v, %v)", first, second)
			}

			third, _ := s.CheckAndMark(ctx, "send:r:F:0", ttl, now.Add(2*ttl))
			if third {
				t.Error("expected key to expire after ttl")
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://user:pw@localhost/db": DialectPostgres,
		"postgresql://localhost/db":       DialectPostgres,
		"host=localhost dbname=funnels":   DialectPostgres,
		"/var/lib/funnelpipe/state.db":    DialectSQLite,
		"state.db":                        DialectSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}

func TestOpenSQLite(t *testing.T) {
	s, err := Open(WithSQLiteDSN(filepath.Join(t.TempDir(), "nested", "state.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", s)
	}
}
