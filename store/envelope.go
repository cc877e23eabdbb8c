package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/wire"
)

// Attachment states.
const (
	AttachmentPendingUpload = iota
	AttachmentUploaded
	AttachmentPendingDownload
	AttachmentDownloaded
	AttachmentFailed
)

type Attachment struct {
	ID          int64  `db:"id"`
	MessageID   int64  `db:"message_id"`
	ContentType string `db:"content_type"`
	FileName    string `db:"file_name"`
	Pointer     []byte `db:"pointer"`
	Data        []byte `db:"data"`
	State       int    `db:"state"`
}

// AttachmentPointer decodes the transfer pointer, nil before upload.
func (a *Attachment) AttachmentPointer() (*wire.AttachmentPointer, error) {
	if len(a.Pointer) == 0 {
		return nil, nil
	}
	p := &wire.AttachmentPointer{}
	if err := bencode.Deserialize(a.Pointer, p); err != nil {
		return nil, fmt.Errorf("store: error decoding attachment pointer: %w", err)
	}
	return p, nil
}

func (s *Store) InsertAttachment(a *Attachment) (int64, error) {
	res, err := s.db.Tx.NamedExec("INSERT INTO _attachments (message_id, content_type, file_name, pointer, data, state) VALUES (:message_id, :content_type, :file_name, :pointer, :data, :state)", a)
	if err != nil {
		return 0, fmt.Errorf("store: error inserting attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// InsertPointerAttachment records an attachment known only by its pointer, waiting for download.
func (s *Store) InsertPointerAttachment(messageID int64, p *wire.AttachmentPointer) (int64, error) {
	b, err := bencode.Serialize(p)
	if err != nil {
		return 0, err
	}
	return s.InsertAttachment(&Attachment{MessageID: messageID, ContentType: p.ContentType, FileName: p.FileName, Pointer: b, State: AttachmentPendingDownload})
}

func (s *Store) Attachment(id int64) (*Attachment, error) {
	a := &Attachment{}
	if err := s.db.Tx.Get(a, "SELECT * FROM _attachments WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("store: error getting attachment %d: %w", id, err)
	}
	return a, nil
}

func (s *Store) Attachments(messageID int64) ([]*Attachment, error) {
	var out []*Attachment
	if err := s.db.Tx.Select(&out, "SELECT * FROM _attachments WHERE message_id = $1 ORDER BY id", messageID); err != nil {
		return nil, fmt.Errorf("store: error listing attachments: %w", err)
	}
	return out, nil
}

// MarkUploaded keeps the pointer so a resend does not upload again.
func (s *Store) MarkUploaded(id int64, p *wire.AttachmentPointer) error {
	b, err := bencode.Serialize(p)
	if err != nil {
		return err
	}
	if _, err := s.db.Tx.Exec("UPDATE _attachments SET pointer = $1, state = $2 WHERE id = $3", b, AttachmentUploaded, id); err != nil {
		return fmt.Errorf("store: error marking attachment uploaded: %w", err)
	}
	return nil
}

func (s *Store) MarkDownloaded(id int64, data []byte) error {
	if _, err := s.db.Tx.Exec("UPDATE _attachments SET data = $1, state = $2 WHERE id = $3", data, AttachmentDownloaded, id); err != nil {
		return fmt.Errorf("store: error marking attachment downloaded: %w", err)
	}
	return nil
}

func (s *Store) MarkAttachmentFailed(id int64) error {
	if _, err := s.db.Tx.Exec("UPDATE _attachments SET state = $1 WHERE id = $2", AttachmentFailed, id); err != nil {
		return fmt.Errorf("store: error marking attachment failed: %w", err)
	}
	return nil
}

type pendingEnvelope struct {
	ID      int64  `db:"id"`
	Body    []byte `db:"body"`
	CtimeMs uint64 `db:"ctime_ms"`
}

// InsertPendingEnvelope keeps env until it has been decrypted.
func (s *Store) InsertPendingEnvelope(env *wire.Envelope) (int64, error) {
	b, err := env.Marshal()
	if err != nil {
		return 0, err
	}
	res, err := s.db.Tx.Exec("INSERT INTO _pending_envelopes (body, ctime_ms) VALUES ($1, $2)", b, s.clock.CurrentTimeMs())
	if err != nil {
		return 0, fmt.Errorf("store: error inserting pending envelope: %w", err)
	}
	return res.LastInsertId()
}

// PendingEnvelope returns false when the envelope was already consumed.
func (s *Store) PendingEnvelope(id int64) (*wire.Envelope, bool, error) {
	pe := &pendingEnvelope{}
	if err := s.db.Tx.Get(pe, "SELECT * FROM _pending_envelopes WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: error getting pending envelope: %w", err)
	}
	env, err := wire.UnmarshalEnvelope(pe.Body)
	if err != nil {
		return nil, false, fmt.Errorf("store: error decoding pending envelope: %w", err)
	}
	return env, true, nil
}

func (s *Store) DeletePendingEnvelope(id int64) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _pending_envelopes WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting pending envelope: %w", err)
	}
	return nil
}

func (s *Store) CountPendingEnvelopes() (int, error) {
	var n int
	if err := s.db.Tx.Get(&n, "SELECT count(*) FROM _pending_envelopes"); err != nil {
		return 0, fmt.Errorf("store: error counting pending envelopes: %w", err)
	}
	return n, nil
}
