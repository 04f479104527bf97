package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional timestamp for a nullable column.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rebindPostgres rewrites ? placeholders to $n.
func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a Conversation from a row in conversationColumns order.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var orderCode, customerName, productType, amount sql.NullString
	var lastSystem, lastReply sql.NullTime
	err := row.Scan(
		&c.Recipient, &c.FunnelID, &c.StepIndex, &c.WaitingForResponse, &c.Completed,
		&orderCode, &customerName, &productType, &amount,
		&c.CreatedAt, &lastSystem, &lastReply, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.OrderCode = orderCode.String
	c.CustomerName = customerName.String
	c.ProductType = productType.String
	c.Amount = amount.String
	if lastSystem.Valid {
		t := lastSystem.Time
		c.LastSystemMessage = &t
	}
	if lastReply.Valid {
		t := lastReply.Time
		c.LastReply = &t
	}
	return c, nil
}

// scanPendingTimer scans a PendingTimer from a row in timerColumns order.
func scanPendingTimer(row rowScanner) (models.PendingTimer, error) {
	var t models.PendingTimer
	var orderCode sql.NullString
	err := row.Scan(&t.Recipient, &t.Kind, &t.StepIndex, &orderCode, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return t, fmt.Errorf("scan pending timer failed: %w", err)
	}
	t.OrderCode = orderCode.String
	return t, nil
}
