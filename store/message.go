package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-courier/wire"
)

// Message type bits.
const (
	TypeIncoming uint64 = 1 << iota
	TypeOutgoing
	TypePush
	TypeSecure
	TypeSending
	TypeSent
	TypeFailed
	TypePendingInsecureFallback
	TypePlaceholder
	TypeEndSession
	TypeGroupUpdate
	TypeGroupQuit
	TypeGroupKick
	TypePreKeyBundle
	TypeInvalidVersion
	TypeDecryptFailed
	TypeNoSession
	TypeLegacy
	TypeKeysChanged
	TypeMedia
)

// FailureTypes are the decrypt classifications a placeholder can carry.
const FailureTypes = TypeInvalidVersion | TypeDecryptFailed | TypeNoSession | TypeLegacy | TypePreKeyBundle

type Message struct {
	ID               int64  `db:"id"`
	ThreadID         int64  `db:"thread_id"`
	Address          string `db:"address"`
	DeviceID         uint32 `db:"device_id"`
	Type             uint64 `db:"type"`
	Body             string `db:"body"`
	Sealed           []byte `db:"sealed"`
	GroupContext     []byte `db:"group_context"`
	SentMs           uint64 `db:"sent_ms"`
	ReceivedMs       uint64 `db:"received_ms"`
	ExpiresInSec     uint32 `db:"expires_in_sec"`
	DeliveryReceipts int    `db:"delivery_receipts"`
	ReadReceipts     int    `db:"read_receipts"`
	Read             bool   `db:"read"`
}

func (m *Message) Is(bits uint64) bool {
	return m.Type&bits == bits
}

func (m *Message) IsOutgoing() bool {
	return m.Is(TypeOutgoing)
}

// Source is the device an incoming message came from.
func (m *Message) Source() wire.Address {
	return wire.NewAddress(m.Address, m.DeviceID)
}

// IdentityMismatch ties an observed identity key that is not trusted to a message.
type IdentityMismatch struct {
	MessageID   int64  `db:"message_id"`
	Name        string `db:"name"`
	DeviceID    uint32 `db:"device_id"`
	IdentityKey []byte `db:"identity_key"`
}

func (im *IdentityMismatch) Address() wire.Address {
	return wire.NewAddress(im.Name, im.DeviceID)
}

// InsertMessage stores m and sets its id. Incoming messages that are not read count toward the thread's unread.
func (s *Store) InsertMessage(m *Message) (int64, error) {
	if m.ReceivedMs == 0 {
		m.ReceivedMs = s.clock.CurrentTimeMs()
	}
	if m.IsOutgoing() {
		m.Read = true
	}
	res, err := s.db.Tx.NamedExec("INSERT INTO _messages (thread_id, address, device_id, type, body, sealed, group_context, sent_ms, received_ms, expires_in_sec, read) VALUES (:thread_id, :address, :device_id, :type, :body, :sealed, :group_context, :sent_ms, :received_ms, :expires_in_sec, :read)", m)
	if err != nil {
		return 0, fmt.Errorf("store: error inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	if err := s.touchThread(m.ThreadID, !m.IsOutgoing() && !m.Read); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertPlaceholder stores an empty incoming message for env so a failure can be recorded against it.
func (s *Store) InsertPlaceholder(env *wire.Envelope) (*Message, error) {
	threadID, err := s.ThreadFor([]string{env.Source})
	if err != nil {
		return nil, err
	}
	m := &Message{
		ThreadID: threadID,
		Address:  env.Source,
		DeviceID: env.SourceDevice,
		Type:     TypeIncoming | TypePush | TypeSecure | TypePlaceholder,
		SentMs:   env.Timestamp,
	}
	if _, err := s.InsertMessage(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) Message(id int64) (*Message, error) {
	m := &Message{}
	if err := s.db.Tx.Get(m, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("store: error getting message %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) MessageExists(id int64) (bool, error) {
	var n int
	if err := s.db.Tx.Get(&n, "SELECT count(*) FROM _messages WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("store: error checking message: %w", err)
	}
	return n != 0, nil
}

func (s *Store) Messages(threadID int64) ([]*Message, error) {
	var out []*Message
	if err := s.db.Tx.Select(&out, "SELECT * FROM _messages WHERE thread_id = $1 ORDER BY sent_ms, id", threadID); err != nil {
		return nil, fmt.Errorf("store: error listing messages: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteMessage(id int64) error {
	m, err := s.Message(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Tx.Exec("DELETE FROM _messages WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting message: %w", err)
	}
	return s.recountUnread(m.ThreadID)
}

// AddTypes sets bits on a message. Setting a bit twice is harmless.
func (s *Store) AddTypes(id int64, bits uint64) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET type = type | $1 WHERE id = $2", bits, id); err != nil {
		return fmt.Errorf("store: error updating message type: %w", err)
	}
	return nil
}

func (s *Store) ClearTypes(id int64, bits uint64) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET type = type & ~$1 WHERE id = $2", bits, id); err != nil {
		return fmt.Errorf("store: error updating message type: %w", err)
	}
	return nil
}

// MarkFailure replaces any previous decrypt classification of a placeholder.
func (s *Store) MarkFailure(id int64, failure uint64) error {
	s.log.Debugf("marking message %d %s", id, describeTypes(failure))
	if _, err := s.db.Tx.Exec("UPDATE _messages SET type = (type & ~$1) | $2 WHERE id = $3", FailureTypes, failure, id); err != nil {
		return fmt.Errorf("store: error marking failure: %w", err)
	}
	return nil
}

func (s *Store) MarkSending(id int64) error {
	return s.updateTypes(id, TypeSending, TypeFailed)
}

func (s *Store) MarkSent(id int64) error {
	return s.updateTypes(id, TypeSent, TypeSending|TypeFailed)
}

func (s *Store) MarkSentFailed(id int64) error {
	return s.updateTypes(id, TypeFailed, TypeSending|TypeSent)
}

func (s *Store) MarkPush(id int64) error {
	return s.AddTypes(id, TypePush)
}

func (s *Store) MarkSecure(id int64) error {
	return s.AddTypes(id, TypeSecure)
}

func (s *Store) updateTypes(id int64, set, clear uint64) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET type = (type & ~$1) | $2 WHERE id = $3", clear, set, id); err != nil {
		return fmt.Errorf("store: error updating message type: %w", err)
	}
	return nil
}

// UpdateBody fills in a message that was stored before its content was known.
func (s *Store) UpdateBody(id int64, body string) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET body = $1, type = type & ~$2 WHERE id = $3", body, FailureTypes|TypePlaceholder, id); err != nil {
		return fmt.Errorf("store: error updating body: %w", err)
	}
	return nil
}

func (s *Store) SetSealed(id int64, sealed []byte) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET sealed = $1 WHERE id = $2", sealed, id); err != nil {
		return fmt.Errorf("store: error setting sealed body: %w", err)
	}
	return nil
}

// MarkReadByTimestamp marks incoming messages from sender sent at ms as read and returns the affected threads.
func (s *Store) MarkReadByTimestamp(sender string, ms uint64) ([]int64, error) {
	var threads []int64
	if err := s.db.Tx.Select(&threads, "SELECT DISTINCT thread_id FROM _messages WHERE address = $1 AND sent_ms = $2 AND read = FALSE", sender, ms); err != nil {
		return nil, fmt.Errorf("store: error finding messages to mark read: %w", err)
	}
	if _, err := s.db.Tx.Exec("UPDATE _messages SET read = TRUE WHERE address = $1 AND sent_ms = $2", sender, ms); err != nil {
		return nil, fmt.Errorf("store: error marking read: %w", err)
	}
	for _, id := range threads {
		if err := s.recountUnread(id); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

func (s *Store) InsertMismatch(im *IdentityMismatch) error {
	if _, err := s.db.Tx.NamedExec("INSERT INTO _identity_mismatches (message_id, name, device_id, identity_key) VALUES (:message_id, :name, :device_id, :identity_key) ON CONFLICT(message_id, name, device_id) DO UPDATE SET identity_key = :identity_key", im); err != nil {
		return fmt.Errorf("store: error inserting identity mismatch: %w", err)
	}
	return nil
}

func (s *Store) RemoveMismatch(im *IdentityMismatch) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _identity_mismatches WHERE message_id = $1 AND name = $2 AND device_id = $3 AND identity_key = $4", im.MessageID, im.Name, im.DeviceID, im.IdentityKey); err != nil {
		return fmt.Errorf("store: error removing identity mismatch: %w", err)
	}
	return nil
}

func (s *Store) Mismatches(messageID int64) ([]*IdentityMismatch, error) {
	var out []*IdentityMismatch
	if err := s.db.Tx.Select(&out, "SELECT * FROM _identity_mismatches WHERE message_id = $1 ORDER BY name, device_id", messageID); err != nil {
		return nil, fmt.Errorf("store: error listing identity mismatches: %w", err)
	}
	return out, nil
}

// MismatchesForThread lists every mismatch on messages of the thread, oldest message first.
func (s *Store) MismatchesForThread(threadID int64) ([]*IdentityMismatch, error) {
	var out []*IdentityMismatch
	if err := s.db.Tx.Select(&out, "SELECT im.* FROM _identity_mismatches im JOIN _messages m ON m.id = im.message_id WHERE m.thread_id = $1 ORDER BY m.sent_ms, m.id, im.name, im.device_id", threadID); err != nil {
		return nil, fmt.Errorf("store: error listing thread mismatches: %w", err)
	}
	return out, nil
}

// MismatchesMatching lists every mismatch with the same address and key in any thread.
func (s *Store) MismatchesMatching(addr wire.Address, key []byte) ([]*IdentityMismatch, error) {
	var out []*IdentityMismatch
	if err := s.db.Tx.Select(&out, "SELECT im.* FROM _identity_mismatches im JOIN _messages m ON m.id = im.message_id WHERE im.name = $1 AND im.device_id = $2 AND im.identity_key = $3 ORDER BY m.sent_ms, m.id", addr.Name, addr.DeviceID, key); err != nil {
		return nil, fmt.Errorf("store: error listing matching mismatches: %w", err)
	}
	return out, nil
}

func (s *Store) InsertNetworkFailure(messageID int64, name string) error {
	if _, err := s.db.Tx.Exec("INSERT INTO _network_failures (message_id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING", messageID, name); err != nil {
		return fmt.Errorf("store: error inserting network failure: %w", err)
	}
	return nil
}

func (s *Store) ClearNetworkFailures(messageID int64) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _network_failures WHERE message_id = $1", messageID); err != nil {
		return fmt.Errorf("store: error clearing network failures: %w", err)
	}
	return nil
}

func (s *Store) NetworkFailures(messageID int64) ([]string, error) {
	var out []string
	if err := s.db.Tx.Select(&out, "SELECT name FROM _network_failures WHERE message_id = $1 ORDER BY name", messageID); err != nil {
		return nil, fmt.Errorf("store: error listing network failures: %w", err)
	}
	return out, nil
}

// OutgoingBySentTime finds our own message sent at ms, used to attach receipts.
func (s *Store) OutgoingBySentTime(ms uint64) (*Message, bool, error) {
	m := &Message{}
	if err := s.db.Tx.Get(m, "SELECT * FROM _messages WHERE sent_ms = $1 AND type & $2 != 0 ORDER BY id LIMIT 1", ms, TypeOutgoing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: error finding outgoing message: %w", err)
	}
	return m, true, nil
}

// MessagesByID loads messages in send order.
func (s *Store) MessagesByID(ids []int64) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In("SELECT * FROM _messages WHERE id IN (?) ORDER BY sent_ms, id", ids)
	if err != nil {
		return nil, err
	}
	var out []*Message
	if err := s.db.Tx.Select(&out, s.db.Tx.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("store: error listing messages: %w", err)
	}
	return out, nil
}

func describeTypes(t uint64) string {
	names := []struct {
		bit  uint64
		name string
	}{
		{TypeIncoming, "incoming"}, {TypeOutgoing, "outgoing"}, {TypePlaceholder, "placeholder"},
		{TypeSent, "sent"}, {TypeFailed, "failed"}, {TypePreKeyBundle, "prekey"},
		{TypeInvalidVersion, "invalid-version"}, {TypeDecryptFailed, "decrypt-failed"},
		{TypeNoSession, "no-session"}, {TypeLegacy, "legacy"},
	}
	var parts []string
	for _, n := range names {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
