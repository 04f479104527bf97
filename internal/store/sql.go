package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const (
	conversationColumns = `recipient, funnel_id, step_index, waiting_for_response, completed,
		order_code, customer_name, product_type, amount,
		created_at, last_system_message, last_reply, updated_at`
	timerColumns = `recipient, kind, step_index, order_code, expires_at, created_at`
)

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for the PostgreSQL dialect.
type sqlStore struct {
	db      *sql.DB
	dialect string
	name    string // log prefix, e.g. "SQLiteStore"
}

func (s *sqlStore) q(query string) string {
	if s.dialect == DialectPostgres {
		return rebindPostgres(query)
	}
	return query
}

// DB exposes the underlying handle, mainly for tests and maintenance.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) SaveFunnel(f models.Funnel) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	doc, err := json.Marshal(f)
	if err != nil {
		slog.Error(s.name+" SaveFunnel JSON marshal failed", "error", err, "funnelID", f.ID)
		return fmt.Errorf("failed to encode funnel %s: %w", f.ID, err)
	}
	query := `
		INSERT INTO funnels (id, name, document, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, document = excluded.document, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(s.q(query), f.ID, f.Name, string(doc), f.UpdatedAt); err != nil {
		slog.Error(s.name+" SaveFunnel failed", "error", err, "funnelID", f.ID)
		return fmt.Errorf("failed to save funnel %s: %w", f.ID, err)
	}
	slog.Debug(s.name+" SaveFunnel succeeded", "funnelID", f.ID, "steps", len(f.Steps))
	return nil
}

func (s *sqlStore) GetFunnel(id string) (*models.Funnel, error) {
	var doc string
	err := s.db.QueryRow(s.q(`SELECT document FROM funnels WHERE id = ?`), id).Scan(&doc)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+" GetFunnel not found", "funnelID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetFunnel failed", "error", err, "funnelID", id)
		return nil, fmt.Errorf("failed to load funnel %s: %w", id, err)
	}
	var f models.Funnel
	if err := json.Unmarshal([]byte(doc), &f); err != nil {
		slog.Error(s.name+" GetFunnel JSON unmarshal failed", "error", err, "funnelID", id)
		return nil, fmt.Errorf("failed to decode funnel %s: %w", id, err)
	}
	return &f, nil
}

func (s *sqlStore) ListFunnels() ([]models.Funnel, error) {
	rows, err := s.db.Query(`SELECT id, document FROM funnels ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" ListFunnels query failed", "error", err)
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	var funnels []models.Funnel
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan funnel row: %w", err)
		}
		var f models.Funnel
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			// Skip undecodable rows rather than hiding every other funnel
			slog.Error(s.name+" ListFunnels JSON unmarshal failed", "error", err, "funnelID", id)
			continue
		}
		funnels = append(funnels, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate funnel rows: %w", err)
	}
	slog.Debug(s.name+" ListFunnels succeeded", "count", len(funnels))
	return funnels, nil
}

func (s *sqlStore) DeleteFunnel(id string) error {
	if _, err := s.db.Exec(s.q(`DELETE FROM funnels WHERE id = ?`), id); err != nil {
		slog.Error(s.name+" DeleteFunnel failed", "error", err, "funnelID", id)
		return fmt.Errorf("failed to delete funnel %s: %w", id, err)
	}
	slog.Debug(s.name+" DeleteFunnel succeeded", "funnelID", id)
	return nil
}

func (s *sqlStore) SaveConversation(c models.Conversation) error {
	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient) DO UPDATE SET
			funnel_id = excluded.funnel_id,
			step_index = excluded.step_index,
			waiting_for_response = excluded.waiting_for_response,
			completed = excluded.completed,
			order_code = excluded.order_code,
			customer_name = excluded.customer_name,
			product_type = excluded.product_type,
			amount = excluded.amount,
			created_at = excluded.created_at,
			last_system_message = excluded.last_system_message,
			last_reply = excluded.last_reply,
			updated_at = excluded.updated_at`
	_, err := s.db.Exec(s.q(query),
		c.Recipient, c.FunnelID, c.StepIndex, c.WaitingForResponse, c.Completed,
		nilIfEmpty(c.OrderCode), nilIfEmpty(c.CustomerName), nilIfEmpty(c.ProductType), nilIfEmpty(c.Amount),
		c.CreatedAt, nullTime(c.LastSystemMessage), nullTime(c.LastReply), c.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" SaveConversation failed", "error", err, "recipient", c.Recipient)
		return fmt.Errorf("failed to save conversation for %s: %w", c.Recipient, err)
	}
	slog.Debug(s.name+" SaveConversation succeeded", "recipient", c.Recipient, "funnelID", c.FunnelID, "step", c.StepIndex)
	return nil
}

func (s *sqlStore) GetConversation(recipient string) (*models.Conversation, error) {
	row := s.db.QueryRow(s.q(`SELECT `+conversationColumns+` FROM conversations WHERE recipient = ?`), recipient)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetConversation failed", "error", err, "recipient", recipient)
		return nil, fmt.Errorf("failed to load conversation for %s: %w", recipient, err)
	}
	return &c, nil
}

func (s *sqlStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY recipient`)
	if err != nil {
		slog.Error(s.name+" ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteConversation(recipient string) error {
	if _, err := s.db.Exec(s.q(`DELETE FROM conversations WHERE recipient = ?`), recipient); err != nil {
		slog.Error(s.name+" DeleteConversation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("failed to delete conversation for %s: %w", recipient, err)
	}
	return nil
}

func (s *sqlStore) GetStickyInstance(recipient string) (string, error) {
	var instance string
	err := s.db.QueryRow(s.q(`SELECT instance FROM sticky_instances WHERE recipient = ?`), recipient).Scan(&instance)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sticky instance for %s: %w", recipient, err)
	}
	return instance, nil
}

func (s *sqlStore) SetStickyInstance(recipient, instance string) error {
	query := `
		INSERT INTO sticky_instances (recipient, instance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (recipient) DO UPDATE SET instance = excluded.instance, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(s.q(query), recipient, instance, time.Now()); err != nil {
		slog.Error(s.name+" SetStickyInstance failed", "error", err, "recipient", recipient, "instance", instance)
		return fmt.Errorf("failed to set sticky instance for %s: %w", recipient, err)
	}
	return nil
}

func (s *sqlStore) DeleteStickyInstance(recipient string) error {
	if _, err := s.db.Exec(s.q(`DELETE FROM sticky_instances WHERE recipient = ?`), recipient); err != nil {
		return fmt.Errorf("failed to delete sticky instance for %s: %w", recipient, err)
	}
	return nil
}

func (s *sqlStore) SavePendingTimer(t models.PendingTimer) error {
	query := `
		INSERT INTO pending_timers (` + timerColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient, kind) DO UPDATE SET
			step_index = excluded.step_index,
			order_code = excluded.order_code,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`
	_, err := s.db.Exec(s.q(query), t.Recipient, string(t.Kind), t.StepIndex, nilIfEmpty(t.OrderCode), t.ExpiresAt, t.CreatedAt)
	if err != nil {
		slog.Error(s.name+" SavePendingTimer failed", "error", err, "recipient", t.Recipient, "kind", t.Kind)
		return fmt.Errorf("failed to save %s timer for %s: %w", t.Kind, t.Recipient, err)
	}
	return nil
}

func (s *sqlStore) DeletePendingTimer(recipient string, kind models.TimerKind) error {
	if _, err := s.db.Exec(s.q(`DELETE FROM pending_timers WHERE recipient = ? AND kind = ?`), recipient, string(kind)); err != nil {
		slog.Error(s.name+" DeletePendingTimer failed", "error", err, "recipient", recipient, "kind", kind)
		return fmt.Errorf("failed to delete %s timer for %s: %w", kind, recipient, err)
	}
	return nil
}

func (s *sqlStore) ListPendingTimers() ([]models.PendingTimer, error) {
	rows, err := s.db.Query(`SELECT ` + timerColumns + ` FROM pending_timers ORDER BY expires_at`)
	if err != nil {
		slog.Error(s.name+" ListPendingTimers query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending timers: %w", err)
	}
	defer rows.Close()

	var out []models.PendingTimer
	for rows.Next() {
		t, err := scanPendingTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CheckAndMark(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM idempotency_keys WHERE marked_at <= ?`), cutoff); err != nil {
		return false, fmt.Errorf("idempotency sweep failed: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO idempotency_keys (op_key, marked_at) VALUES (?, ?) ON CONFLICT (op_key) DO NOTHING`),
		key, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("idempotency mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency rows affected check failed: %w", err)
	}
	return n == 0, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
