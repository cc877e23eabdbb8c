package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-courier/ids"
	"golang.org/x/exp/slices"
)

const groupPrefix = "group:"

type Thread struct {
	ID          int64  `db:"id"`
	Recipients  string `db:"recipients"`
	GroupID     []byte `db:"group_id"`
	UnreadCount int    `db:"unread_count"`
	MtimeMs     uint64 `db:"mtime_ms"`
}

func (t *Thread) IsGroup() bool {
	return len(t.GroupID) != 0
}

func (t *Thread) Group() ids.ID {
	return ids.IDFromBytes(t.GroupID)
}

// Names lists the recipients of a direct thread.
func (t *Thread) Names() []string {
	if t.IsGroup() {
		return nil
	}
	return strings.Split(t.Recipients, ",")
}

// RecipientsKey is the canonical form of a recipient set, sorted and comma joined.
func RecipientsKey(names []string) string {
	sorted := append([]string(nil), names...)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}

func GroupRecipientsKey(id ids.ID) string {
	return groupPrefix + id.String()
}

// ThreadFor returns the thread for a set of direct recipients, creating it when missing.
func (s *Store) ThreadFor(names []string) (int64, error) {
	return s.threadFor(RecipientsKey(names), nil)
}

func (s *Store) ThreadForGroup(id ids.ID) (int64, error) {
	return s.threadFor(GroupRecipientsKey(id), id[:])
}

// ThreadIDFor looks up a thread by recipients key without creating one.
func (s *Store) ThreadIDFor(key string) (int64, bool, error) {
	var id int64
	if err := s.db.Tx.Get(&id, "SELECT id FROM _threads WHERE recipients = $1", key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: error getting thread id: %w", err)
	}
	return id, true, nil
}

func (s *Store) threadFor(key string, groupID []byte) (int64, error) {
	id, ok, err := s.ThreadIDFor(key)
	if err != nil || ok {
		return id, err
	}
	res, err := s.db.Tx.Exec("INSERT INTO _threads (recipients, group_id, mtime_ms) VALUES ($1, $2, $3)", key, groupID, s.clock.CurrentTimeMs())
	if err != nil {
		return 0, fmt.Errorf("store: error inserting thread: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Thread(id int64) (*Thread, error) {
	t := &Thread{}
	if err := s.db.Tx.Get(t, "SELECT * FROM _threads WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("store: error getting thread %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) touchThread(id int64, unread bool) error {
	q := "UPDATE _threads SET mtime_ms = $1 WHERE id = $2"
	if unread {
		q = "UPDATE _threads SET mtime_ms = $1, unread_count = unread_count + 1 WHERE id = $2"
	}
	if _, err := s.db.Tx.Exec(q, s.clock.CurrentTimeMs(), id); err != nil {
		return fmt.Errorf("store: error touching thread: %w", err)
	}
	return nil
}

// MarkThreadRead marks every message of the thread read and zeroes the unread count.
func (s *Store) MarkThreadRead(id int64) error {
	if _, err := s.db.Tx.Exec("UPDATE _messages SET read = TRUE WHERE thread_id = $1", id); err != nil {
		return fmt.Errorf("store: error marking messages read: %w", err)
	}
	if _, err := s.db.Tx.Exec("UPDATE _threads SET unread_count = 0 WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error marking thread read: %w", err)
	}
	return nil
}

func (s *Store) recountUnread(id int64) error {
	if _, err := s.db.Tx.Exec("UPDATE _threads SET unread_count = (SELECT count(*) FROM _messages WHERE thread_id = $1 AND read = FALSE) WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error counting unread: %w", err)
	}
	return nil
}

func (s *Store) SetMenu(threadID int64, data string) error {
	if _, err := s.db.Tx.Exec("INSERT INTO _menus (thread_id, data) VALUES ($1, $2) ON CONFLICT(thread_id) DO UPDATE SET data = $2", threadID, data); err != nil {
		return fmt.Errorf("store: error setting menu: %w", err)
	}
	return nil
}

func (s *Store) DeleteMenu(threadID int64) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _menus WHERE thread_id = $1", threadID); err != nil {
		return fmt.Errorf("store: error deleting menu: %w", err)
	}
	return nil
}

// Menu returns the predefined answers offered in a thread, if any.
func (s *Store) Menu(threadID int64) (string, bool, error) {
	var data string
	if err := s.db.Tx.Get(&data, "SELECT data FROM _menus WHERE thread_id = $1", threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: error getting menu: %w", err)
	}
	return data, true, nil
}
