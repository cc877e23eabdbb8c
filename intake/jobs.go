package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/dispatch"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
)

const (
	DecryptJobKind        = "push-decrypt"
	AttachmentJobKind     = "attachment-download"
	RefreshPreKeysJobKind = "refresh-prekeys"
)

type DecryptPayload struct {
	EnvelopeID int64 `bencode:"e"`
	// MessageID is the placeholder left by an earlier failed attempt.
	MessageID int64 `bencode:"m,omitempty"`
}

// DecryptSpec decrypts a pending envelope. Envelopes from one sender are decrypted one at a time.
func DecryptSpec(source string, p *DecryptPayload) *jobs.Spec {
	return &jobs.Spec{Kind: DecryptJobKind, GroupKey: "decrypt:" + source, Payload: p}
}

type AttachmentPayload struct {
	AttachmentID int64 `bencode:"a"`
}

func AttachmentSpec(id int64) *jobs.Spec {
	return &jobs.Spec{Kind: AttachmentJobKind, GroupKey: fmt.Sprintf("attachment:%d", id), Payload: &AttachmentPayload{AttachmentID: id}}
}

type RefreshPreKeysPayload struct{}

func RefreshPreKeysSpec() *jobs.Spec {
	return &jobs.Spec{Kind: RefreshPreKeysJobKind, GroupKey: "prekeys", Payload: &RefreshPreKeysPayload{}}
}

// Receive takes an envelope from the relay. Receipts are applied directly; anything encrypted is stored and
// decrypted by a job.
func (in *Intake) Receive(env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeReceipt, wire.TypeRead:
		var threadID int64
		if err := in.store.Run("record receipt", func() error {
			m, ok, err := in.store.OutgoingBySentTime(env.Timestamp)
			if err != nil || !ok {
				return err
			}
			threadID = m.ThreadID
			now := in.clock.CurrentTimeMs()
			if env.IsRead() {
				_, err = in.store.MarkRemoteRead(env.Source, env.Timestamp, now)
			} else {
				_, err = in.store.MarkDelivered(env.Source, env.Timestamp, now)
			}
			return err
		}); err != nil {
			return err
		}
		if threadID == 0 {
			in.log.Debugf("receipt from %s for unknown message %d", env.SourceAddress(), env.Timestamp)
		} else if in.notifier != nil {
			in.notifier.ThreadsChanged([]int64{threadID})
		}
		return nil
	case wire.TypeCiphertext, wire.TypePreKeyBundle:
		return in.store.Run("queue envelope", func() error {
			if err := in.RequeueTx(env, 0); err != nil {
				return err
			}
			if !in.config.SendReceipts || env.Source == in.config.LocalName {
				return nil
			}
			_, err := in.scheduler.EnqueueTx(dispatch.ReceiptSpec(&dispatch.ReceiptPayload{To: env.SourceAddress(), Timestamp: env.Timestamp}))
			return err
		})
	default:
		in.log.Warnf("dropping envelope of type %d from %s", env.Type, env.SourceAddress())
		return nil
	}
}

// RequeueTx stores env and schedules its decryption inside the open transaction.
func (in *Intake) RequeueTx(env *wire.Envelope, messageID int64) error {
	id, err := in.store.InsertPendingEnvelope(env)
	if err != nil {
		return err
	}
	_, err = in.scheduler.EnqueueTx(DecryptSpec(env.Source, &DecryptPayload{EnvelopeID: id, MessageID: messageID}))
	return err
}

type decryptJob struct {
	in *Intake
}

func (j *decryptJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &DecryptPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	var env *wire.Envelope
	if err := j.in.store.RunReadOnly("load pending envelope", func() error {
		var err error
		env, _, err = j.in.store.PendingEnvelope(p.EnvelopeID)
		return err
	}); err != nil {
		return err
	}
	if env == nil {
		j.in.log.Infof("pending envelope %d is gone", p.EnvelopeID)
		return nil
	}
	state, err := j.in.Process(ctx, secret, env, p.MessageID)
	if err != nil {
		return err
	}
	j.in.log.Debugf("envelope %d from %s: %s", p.EnvelopeID, env.SourceAddress(), state)
	return j.in.store.Run("delete pending envelope", func() error {
		return j.in.store.DeletePendingEnvelope(p.EnvelopeID)
	})
}

// Decrypt failures are terminal, so a failed decrypt job is never retried.
func (j *decryptJob) ShouldRetry(err error) bool {
	return false
}

func (j *decryptJob) MaxAttempts() int {
	return 1
}

type attachmentJob struct {
	in *Intake
}

func (j *attachmentJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &AttachmentPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	var pointer *wire.AttachmentPointer
	if err := j.in.store.RunReadOnly("load attachment", func() error {
		a, err := j.in.store.Attachment(p.AttachmentID)
		if err != nil {
			return err
		}
		if a.State != store.AttachmentPendingDownload {
			return nil
		}
		pointer, err = a.AttachmentPointer()
		return err
	}); err != nil {
		return err
	}
	if pointer == nil {
		return nil
	}

	data, err := j.fetch(ctx, pointer)
	if err != nil {
		if !errors.Is(err, crypto.ErrDigestMismatch) && !jobs.FinalAttempt(ctx) {
			return err
		}
		j.in.log.Warnf("giving up on attachment %d: %v", p.AttachmentID, err)
		if markErr := j.in.store.Run("mark attachment failed", func() error {
			return j.in.store.MarkAttachmentFailed(p.AttachmentID)
		}); markErr != nil {
			return markErr
		}
		return err
	}
	return j.in.store.Run("store attachment", func() error {
		return j.in.store.MarkDownloaded(p.AttachmentID, data)
	})
}

func (j *attachmentJob) fetch(ctx context.Context, pointer *wire.AttachmentPointer) ([]byte, error) {
	body, err := j.in.service.DownloadAttachment(ctx, pointer.ID)
	if err != nil {
		return nil, err
	}
	return crypto.OpenAttachment(body, pointer.Key, pointer.Digest)
}

func (j *attachmentJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *attachmentJob) MaxAttempts() int {
	return 0
}

type refreshPreKeysJob struct {
	in *Intake
}

// Run tops up the published one-time prekeys and rotates the signed prekey when the relay runs low.
func (j *refreshPreKeysJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	count, err := j.in.service.PreKeyCount(ctx)
	if err != nil {
		return err
	}
	if count >= j.in.config.PreKeyMinimum {
		return nil
	}
	j.in.log.Infof("%d prekeys left, generating %d", count, j.in.config.PreKeyBatchSize)
	if err := j.in.sessions.GeneratePreKeys(secret, j.in.config.PreKeyBatchSize); err != nil {
		return err
	}
	if err := j.in.sessions.RotateSignedPreKey(secret); err != nil {
		return err
	}
	state, err := j.in.sessions.PreKeyState()
	if err != nil {
		return err
	}
	return j.in.service.SetPreKeys(ctx, state)
}

func (j *refreshPreKeysJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *refreshPreKeysJob) MaxAttempts() int {
	return 0
}
