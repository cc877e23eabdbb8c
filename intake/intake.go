// Package intake turns inbound envelopes into stored messages. Each envelope is decrypted once and then takes
// exactly one branch: a content kind on success or a failure classification otherwise.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/dispatch"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/reconcile"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Notifier hears about threads whose unread state or content changed.
type Notifier interface {
	ThreadsChanged(threadIDs []int64)
}

// Service is the part of the relay client intake needs.
type Service interface {
	PreKeyCount(ctx context.Context) (int, error)
	SetPreKeys(ctx context.Context, state *wire.PreKeyState) error
	DownloadAttachment(ctx context.Context, id string) ([]byte, error)
}

type Intake struct {
	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	sessions   *session.Transport
	service    Service
	store      *store.Store
	scheduler  *jobs.Scheduler
	reconciler *reconcile.Reconciler
	notifier   Notifier
}

// New registers the decrypt, attachment and prekey jobs and makes intake the requeue path of r.
func New(c *config.Config, sessions *session.Transport, service Service, s *store.Store, scheduler *jobs.Scheduler, r *reconcile.Reconciler, cl clock.Clock) *Intake {
	in := &Intake{
		config:     c,
		log:        c.Logger("intake"),
		clock:      cl,
		sessions:   sessions,
		service:    service,
		store:      s,
		scheduler:  scheduler,
		reconciler: r,
	}
	scheduler.Register(DecryptJobKind, &decryptJob{in})
	scheduler.Register(AttachmentJobKind, &attachmentJob{in})
	scheduler.Register(RefreshPreKeysJobKind, &refreshPreKeysJob{in})
	r.SetRequeuer(in)
	return in
}

func (in *Intake) SetNotifier(n Notifier) {
	in.notifier = n
}

// envelopeRun is what one envelope accumulates while its transaction is open.
type envelopeRun struct {
	env            *wire.Envelope
	localMessageID int64
	changed        []int64
	endSession     bool
	acceptThread   int64
}

func (r *envelopeRun) touch(threadID int64) {
	if !slices.Contains(r.changed, threadID) {
		r.changed = append(r.changed, threadID)
	}
}

// Process decrypts env and stores what it carries. localMessageID is the placeholder of an envelope that
// failed before and is being decrypted again, zero for a fresh delivery. Decrypt failures are recorded and
// reported through the state, never as an error.
func (in *Intake) Process(ctx context.Context, secret *crypto.MasterSecret, env *wire.Envelope, localMessageID int64) (State, error) {
	if localMessageID != 0 {
		if err := in.sessions.ForgetEnvelope(env); err != nil {
			return Dropped, err
		}
	}

	r := &envelopeRun{env: env, localMessageID: localMessageID}
	state := Dropped
	var derr *session.DecryptError
	err := in.store.Run(fmt.Sprintf("process envelope from %s", env.SourceAddress()), func() error {
		p, err := in.sessions.DecryptTx(secret, env)
		if err == nil {
			state, err = in.handlePlaintext(r, p)
		}
		if errors.As(err, &derr) {
			switch derr.Kind {
			case session.Duplicate:
				state = Dropped
				return nil
			case session.UntrustedIdentity:
				state = UntrustedIdentity
				return in.untrusted(secret, r, derr)
			}
		}
		return err
	})

	switch {
	case derr != nil && derr.Kind != session.Duplicate && derr.Kind != session.UntrustedIdentity:
		// everything the decrypt attempt touched was rolled back
		var marker uint64
		state, marker = failure(derr.Kind)
		in.log.Infof("envelope from %s: %s: %v", env.SourceAddress(), state, derr)
		r = &envelopeRun{env: env, localMessageID: localMessageID}
		if err := in.store.Run("record decrypt failure", func() error {
			return in.recordFailure(r, marker)
		}); err != nil {
			return state, err
		}
	case err != nil:
		return Dropped, err
	case state == Dropped:
		in.log.Debugf("dropped envelope from %s", env.SourceAddress())
	}

	if r.endSession {
		if err := in.sessions.DeleteAllSessions(env.Source); err != nil {
			return state, err
		}
	}
	if r.acceptThread != 0 {
		if err := in.reconciler.AcceptMismatch(ctx, secret, r.acceptThread); err != nil {
			return state, err
		}
	}
	if len(r.changed) != 0 && in.notifier != nil {
		in.notifier.ThreadsChanged(r.changed)
	}
	return state, nil
}

func (in *Intake) recordFailure(r *envelopeRun, marker uint64) error {
	id := r.localMessageID
	if id == 0 {
		m, err := in.store.InsertPlaceholder(r.env)
		if err != nil {
			return err
		}
		id = m.ID
		r.touch(m.ThreadID)
	}
	return in.store.MarkFailure(id, marker)
}

// untrusted keeps the sealed envelope on the placeholder so it can be decrypted again once the key is accepted.
func (in *Intake) untrusted(secret *crypto.MasterSecret, r *envelopeRun, derr *session.DecryptError) error {
	b, err := r.env.Marshal()
	if err != nil {
		return err
	}
	sealed, err := secret.Seal(b)
	if err != nil {
		return err
	}
	var m *store.Message
	if r.localMessageID == 0 {
		if m, err = in.store.InsertPlaceholder(r.env); err != nil {
			return err
		}
	} else if m, err = in.store.Message(r.localMessageID); err != nil {
		return err
	}
	if err := in.store.SetSealed(m.ID, sealed); err != nil {
		return err
	}
	if err := in.store.MarkFailure(m.ID, store.TypePreKeyBundle); err != nil {
		return err
	}
	if err := in.store.InsertMismatch(&store.IdentityMismatch{
		MessageID:   m.ID,
		Name:        derr.Address.Name,
		DeviceID:    derr.Address.DeviceID,
		IdentityKey: derr.IdentityKey,
	}); err != nil {
		return err
	}
	in.log.Infof("untrusted identity for %s on message %d", derr.Address, m.ID)
	if in.config.AutoAcceptKeys {
		r.acceptThread = m.ThreadID
	} else {
		r.touch(m.ThreadID)
	}
	return nil
}

func (in *Intake) handlePlaintext(r *envelopeRun, p *session.Plaintext) (State, error) {
	content, err := wire.UnmarshalContent(p.Body)
	if err != nil {
		return Corrupt, &session.DecryptError{Kind: session.Corrupt, Address: p.Address, Err: err}
	}
	if p.PreKey {
		if _, err := in.scheduler.EnqueueTx(RefreshPreKeysSpec()); err != nil {
			return Dropped, err
		}
	}
	switch {
	case content.DataMessage != nil:
		return in.handleData(r, content.DataMessage)
	case content.SyncMessage != nil:
		return in.handleSync(r, content.SyncMessage)
	default:
		in.log.Warnf("envelope from %s has no content", r.env.SourceAddress())
		return Dropped, in.deletePlaceholder(r)
	}
}

func (in *Intake) handleData(r *envelopeRun, dm *wire.DataMessage) (State, error) {
	switch {
	case dm.IsEndSession():
		return EndSession, in.endSession(r, dm)
	case dm.IsGroupUpdate():
		return in.group(r, dm, r.env.Source, false)
	case len(dm.Attachments) != 0:
		return Media, in.media(r, dm)
	default:
		return Text, in.text(r, dm)
	}
}

func (in *Intake) endSession(r *envelopeRun, dm *wire.DataMessage) error {
	r.endSession = true
	if r.localMessageID != 0 {
		if err := in.store.UpdateBody(r.localMessageID, ""); err != nil {
			return err
		}
		if err := in.store.AddTypes(r.localMessageID, store.TypeEndSession); err != nil {
			return err
		}
		m, err := in.store.Message(r.localMessageID)
		if err != nil {
			return err
		}
		r.touch(m.ThreadID)
		return nil
	}
	threadID, err := in.store.ThreadFor([]string{r.env.Source})
	if err != nil {
		return err
	}
	if _, err := in.store.InsertMessage(&store.Message{
		ThreadID: threadID,
		Address:  r.env.Source,
		DeviceID: r.env.SourceDevice,
		Type:     store.TypeIncoming | store.TypePush | store.TypeSecure | store.TypeEndSession,
		SentMs:   dm.Timestamp,
	}); err != nil {
		return err
	}
	r.touch(threadID)
	return nil
}

func groupState(t uint8) (State, uint64) {
	switch t {
	case wire.GroupUpdate:
		return GroupUpdate, store.TypeGroupUpdate
	case wire.GroupKick:
		return GroupKick, store.TypeGroupKick
	case wire.GroupQuit:
		return GroupQuit, store.TypeGroupQuit
	default:
		return Dropped, 0
	}
}

// group hands a group event to the reconciler and records it in the group thread when it was applied.
func (in *Intake) group(r *envelopeRun, dm *wire.DataMessage, sender string, outgoing bool) (State, error) {
	state, bits := groupState(dm.Group.Type)
	outcome, err := in.reconciler.ApplyGroupEvent(sender, dm.Group, outgoing)
	if err != nil {
		return state, err
	}
	if outcome != reconcile.Ignored {
		threadID, err := in.store.ThreadForGroup(dm.Group.ID)
		if err != nil {
			return state, err
		}
		gc, err := bencode.Serialize(dm.Group)
		if err != nil {
			return state, err
		}
		m := &store.Message{
			ThreadID:     threadID,
			Address:      sender,
			DeviceID:     r.env.SourceDevice,
			Type:         store.TypeIncoming | store.TypePush | store.TypeSecure | bits,
			GroupContext: gc,
			SentMs:       r.env.Timestamp,
		}
		if outgoing {
			m.Type = store.TypeOutgoing | store.TypePush | store.TypeSecure | store.TypeSent | bits
		}
		if _, err := in.store.InsertMessage(m); err != nil {
			return state, err
		}
		r.touch(threadID)
	}
	return state, in.deletePlaceholder(r)
}

func (in *Intake) threadFor(r *envelopeRun, dm *wire.DataMessage) (int64, error) {
	if dm.Group != nil {
		return in.store.ThreadForGroup(dm.Group.ID)
	}
	return in.store.ThreadFor([]string{r.env.Source})
}

func (in *Intake) media(r *envelopeRun, dm *wire.DataMessage) error {
	threadID, err := in.threadFor(r, dm)
	if err != nil {
		return err
	}
	m := &store.Message{
		ThreadID:     threadID,
		Address:      r.env.Source,
		DeviceID:     r.env.SourceDevice,
		Type:         store.TypeIncoming | store.TypePush | store.TypeSecure | store.TypeMedia,
		Body:         dm.Body,
		SentMs:       dm.Timestamp,
		ExpiresInSec: dm.ExpireTimer,
	}
	if _, err := in.store.InsertMessage(m); err != nil {
		return err
	}
	if err := in.queueDownloads(m.ID, dm.Attachments); err != nil {
		return err
	}
	r.touch(threadID)
	return in.deletePlaceholder(r)
}

func (in *Intake) queueDownloads(messageID int64, pointers []wire.AttachmentPointer) error {
	for i := range pointers {
		id, err := in.store.InsertPointerAttachment(messageID, &pointers[i])
		if err != nil {
			return err
		}
		if _, err := in.scheduler.EnqueueTx(AttachmentSpec(id)); err != nil {
			return err
		}
	}
	return nil
}

// text stores a plain message. A direct placeholder is filled in place, anything else replaces it.
func (in *Intake) text(r *envelopeRun, dm *wire.DataMessage) error {
	var threadID int64
	if r.localMessageID != 0 && dm.Group == nil {
		if err := in.store.UpdateBody(r.localMessageID, dm.Body); err != nil {
			return err
		}
		m, err := in.store.Message(r.localMessageID)
		if err != nil {
			return err
		}
		threadID = m.ThreadID
	} else {
		var err error
		if threadID, err = in.threadFor(r, dm); err != nil {
			return err
		}
		if _, err := in.store.InsertMessage(&store.Message{
			ThreadID:     threadID,
			Address:      r.env.Source,
			DeviceID:     r.env.SourceDevice,
			Type:         store.TypeIncoming | store.TypePush | store.TypeSecure,
			Body:         dm.Body,
			SentMs:       dm.Timestamp,
			ExpiresInSec: dm.ExpireTimer,
		}); err != nil {
			return err
		}
		if err := in.deletePlaceholder(r); err != nil {
			return err
		}
	}
	if dm.Answers != nil {
		if err := in.store.DeleteMenu(threadID); err != nil {
			return err
		}
		if dm.Answers.Type == wire.AnswersMenu {
			if err := in.store.SetMenu(threadID, dm.Answers.Data); err != nil {
				return err
			}
		}
	}
	r.touch(threadID)
	return nil
}

func (in *Intake) handleSync(r *envelopeRun, sm *wire.SyncMessage) (State, error) {
	if r.env.Source != in.config.LocalName {
		in.log.Warnf("ignoring sync message from %s", r.env.SourceAddress())
		return Dropped, in.deletePlaceholder(r)
	}
	switch {
	case sm.Sent != nil:
		return SyncSent, in.syncSent(r, sm.Sent)
	case sm.Request != nil:
		return SyncRequest, in.syncRequest(r, sm.Request)
	case len(sm.Read) != 0:
		return SyncRead, in.syncRead(r, sm.Read)
	default:
		in.log.Warnf("sync message from %s has no known content", r.env.SourceAddress())
		return Dropped, in.deletePlaceholder(r)
	}
}

// syncSent records a message one of our other devices sent as if this device had sent it.
func (in *Intake) syncSent(r *envelopeRun, sent *wire.SentTranscript) error {
	dm := &sent.Message
	if dm.IsGroupUpdate() {
		if _, err := in.group(r, dm, in.config.LocalName, true); err != nil {
			return err
		}
		threadID, ok, err := in.store.ThreadIDFor(store.GroupRecipientsKey(dm.Group.ID))
		if err != nil || !ok {
			return err
		}
		return in.store.MarkThreadRead(threadID)
	}

	var threadID int64
	var err error
	switch {
	case dm.Group != nil:
		threadID, err = in.store.ThreadForGroup(dm.Group.ID)
	case sent.Destination != "":
		threadID, err = in.store.ThreadFor([]string{sent.Destination})
	default:
		in.log.Warnf("sent transcript %d has no destination", sent.Timestamp)
		return in.deletePlaceholder(r)
	}
	if err != nil {
		return err
	}
	m := &store.Message{
		ThreadID:     threadID,
		Address:      in.config.LocalName,
		DeviceID:     r.env.SourceDevice,
		Type:         store.TypeOutgoing | store.TypePush | store.TypeSecure | store.TypeSent,
		Body:         dm.Body,
		SentMs:       sent.Timestamp,
		ExpiresInSec: dm.ExpireTimer,
	}
	if dm.IsEndSession() {
		m.Type |= store.TypeEndSession
	}
	if len(dm.Attachments) != 0 {
		m.Type |= store.TypeMedia
	}
	if _, err := in.store.InsertMessage(m); err != nil {
		return err
	}
	if err := in.queueDownloads(m.ID, dm.Attachments); err != nil {
		return err
	}
	if err := in.store.MarkThreadRead(threadID); err != nil {
		return err
	}
	r.touch(threadID)
	return in.deletePlaceholder(r)
}

func (in *Intake) syncRequest(r *envelopeRun, req *wire.SyncRequest) error {
	switch req.Type {
	case wire.SyncRequestGroups:
		if _, err := in.scheduler.EnqueueTx(dispatch.SyncSpec(&dispatch.SyncPayload{Groups: true})); err != nil {
			return err
		}
	case wire.SyncRequestContacts, wire.SyncRequestBlocked:
		in.log.Infof("no contact list to sync for request type %d", req.Type)
	default:
		in.log.Warnf("unknown sync request type %d", req.Type)
	}
	return in.deletePlaceholder(r)
}

func (in *Intake) syncRead(r *envelopeRun, read []wire.ReadMessage) error {
	for _, rm := range read {
		threads, err := in.store.MarkReadByTimestamp(rm.Sender, rm.Timestamp)
		if err != nil {
			return err
		}
		for _, id := range threads {
			r.touch(id)
		}
	}
	return in.deletePlaceholder(r)
}

// deletePlaceholder removes the placeholder superseded by a successful decrypt.
func (in *Intake) deletePlaceholder(r *envelopeRun) error {
	if r.localMessageID == 0 {
		return nil
	}
	ok, err := in.store.MessageExists(r.localMessageID)
	if err != nil || !ok {
		return err
	}
	m, err := in.store.Message(r.localMessageID)
	if err != nil {
		return err
	}
	r.touch(m.ThreadID)
	return in.store.DeleteMessage(r.localMessageID)
}
