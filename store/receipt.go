package store

import (
	"fmt"
)

type Receipt struct {
	MessageID   int64  `db:"message_id"`
	Name        string `db:"name"`
	DeliveredMs uint64 `db:"delivered_ms"`
	ReadMs      uint64 `db:"read_ms"`
}

// CreateReceipts opens a receipt row per recipient of an outgoing message.
func (s *Store) CreateReceipts(messageID int64, names []string) error {
	for _, n := range names {
		if _, err := s.db.Tx.Exec("INSERT INTO _receipts (message_id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING", messageID, n); err != nil {
			return fmt.Errorf("store: error creating receipt: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteReceipt(messageID int64, name string) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _receipts WHERE message_id = $1 AND name = $2", messageID, name); err != nil {
		return fmt.Errorf("store: error deleting receipt: %w", err)
	}
	return nil
}

func (s *Store) Receipts(messageID int64) ([]*Receipt, error) {
	var out []*Receipt
	if err := s.db.Tx.Select(&out, "SELECT * FROM _receipts WHERE message_id = $1 ORDER BY name", messageID); err != nil {
		return nil, fmt.Errorf("store: error listing receipts: %w", err)
	}
	return out, nil
}

// MarkDelivered records a delivery receipt from source for our message sent at sentMs.
func (s *Store) MarkDelivered(source string, sentMs, at uint64) (bool, error) {
	return s.markReceipt(source, sentMs, at, "delivered_ms", "delivery_receipts")
}

// MarkRemoteRead records a read receipt from source for our message sent at sentMs.
func (s *Store) MarkRemoteRead(source string, sentMs, at uint64) (bool, error) {
	return s.markReceipt(source, sentMs, at, "read_ms", "read_receipts")
}

func (s *Store) markReceipt(source string, sentMs, at uint64, column, counter string) (bool, error) {
	m, ok, err := s.OutgoingBySentTime(sentMs)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.db.Tx.Exec(fmt.Sprintf("INSERT INTO _receipts (message_id, name, %[1]s) VALUES ($1, $2, $3) ON CONFLICT(message_id, name) DO UPDATE SET %[1]s = $3", column), m.ID, source, at); err != nil {
		return false, fmt.Errorf("store: error updating receipt: %w", err)
	}
	if _, err := s.db.Tx.Exec(fmt.Sprintf("UPDATE _messages SET %[1]s = %[1]s + 1 WHERE id = $1", counter), m.ID); err != nil {
		return false, fmt.Errorf("store: error counting receipt: %w", err)
	}
	return true, nil
}
