package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
)

const (
	SendJobKind    = "push-send"
	ReceiptJobKind = "push-receipt"
	SyncJobKind    = "push-sync"
)

type SendPayload struct {
	MessageID int64 `bencode:"m"`
	// FilterAddress limits a resend to one recipient of a group.
	FilterAddress string `bencode:"f,omitempty"`
	Resend        bool   `bencode:"r,omitempty"`
}

// SendSpec sends a stored message. Sends within one thread never overlap.
func SendSpec(threadID int64, p *SendPayload) *jobs.Spec {
	return &jobs.Spec{Kind: SendJobKind, GroupKey: fmt.Sprintf("send:%d", threadID), Payload: p}
}

type ReceiptPayload struct {
	To        wire.Address `bencode:"to"`
	Timestamp uint64       `bencode:"t"`
	Read      bool         `bencode:"r,omitempty"`
}

func ReceiptSpec(p *ReceiptPayload) *jobs.Spec {
	return &jobs.Spec{Kind: ReceiptJobKind, GroupKey: "receipt:" + p.To.Name, Payload: p}
}

type SyncPayload struct {
	Read   []wire.ReadMessage `bencode:"r,omitempty"`
	Groups bool               `bencode:"g,omitempty"`
}

func SyncSpec(p *SyncPayload) *jobs.Spec {
	return &jobs.Spec{Kind: SyncJobKind, GroupKey: "sync", Payload: p}
}

type sendJob struct {
	d *Dispatcher
}

func (j *sendJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &SendPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	return j.d.sendStored(ctx, secret, p)
}

func (j *sendJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *sendJob) MaxAttempts() int {
	return 0
}

type receiptJob struct {
	d *Dispatcher
}

func (j *receiptJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &ReceiptPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	return j.d.SendReceipt(ctx, p.To, p.Timestamp, p.Read)
}

func (j *receiptJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *receiptJob) MaxAttempts() int {
	return 0
}

type syncJob struct {
	d *Dispatcher
}

func (j *syncJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &SyncPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	if len(p.Read) != 0 {
		if err := j.d.SendSync(ctx, secret, &wire.SyncMessage{Read: p.Read}); err != nil {
			return err
		}
	}
	if p.Groups {
		return j.d.syncGroups(ctx, secret)
	}
	return nil
}

func (j *syncJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *syncJob) MaxAttempts() int {
	return 0
}

// syncGroups sends the current state of every active group to our other devices.
func (d *Dispatcher) syncGroups(ctx context.Context, secret *crypto.MasterSecret) error {
	var groups []*store.Group
	if err := d.store.RunReadOnly("groups for sync", func() error {
		var err error
		groups, err = d.store.Groups()
		return err
	}); err != nil {
		return err
	}
	for _, g := range groups {
		if !g.Active {
			continue
		}
		now := d.clock.CurrentTimeMs()
		dm := wire.DataMessage{
			Timestamp: now,
			Group: &wire.GroupContext{
				ID:      g.ID,
				Type:    wire.GroupUpdate,
				Name:    g.Title,
				Members: g.Members,
				Admin:   g.Admin,
				Version: g.Version,
				Avatar:  g.Avatar,
			},
		}
		if err := d.SendSync(ctx, secret, &wire.SyncMessage{Sent: &wire.SentTranscript{Timestamp: now, Message: dm}}); err != nil {
			return err
		}
	}
	return nil
}

// sendStored sends a message from the store and records how it went.
func (d *Dispatcher) sendStored(ctx context.Context, secret *crypto.MasterSecret, p *SendPayload) error {
	var m *store.Message
	var th *store.Thread
	var atts []*store.Attachment
	var members []string
	if err := d.store.Run("load outgoing message", func() error {
		ok, err := d.store.MessageExists(p.MessageID)
		if err != nil || !ok {
			return err
		}
		if m, err = d.store.Message(p.MessageID); err != nil {
			return err
		}
		if th, err = d.store.Thread(m.ThreadID); err != nil {
			return err
		}
		if atts, err = d.store.Attachments(m.ID); err != nil {
			return err
		}
		members = th.Names()
		if th.IsGroup() {
			if members, err = d.store.GroupMembers(th.Group()); err != nil {
				return err
			}
		}
		if !p.Resend {
			names := members
			if p.FilterAddress != "" {
				names = []string{p.FilterAddress}
			}
			if err := d.store.CreateReceipts(m.ID, names); err != nil {
				return err
			}
		}
		return d.store.MarkSending(m.ID)
	}); err != nil {
		return err
	}
	if m == nil {
		d.log.Infof("message %d is gone, not sending", p.MessageID)
		return nil
	}
	err := d.deliverStored(ctx, secret, p, m, th, atts)
	if err == nil || (push.IsRetryable(err) && !jobs.FinalAttempt(ctx)) {
		return err
	}
	d.log.Warnf("giving up on message %d: %v", m.ID, err)
	if markErr := d.store.Run("mark send failed", func() error {
		return d.store.MarkSentFailed(m.ID)
	}); markErr != nil {
		return markErr
	}
	return err
}

// deliverStored uploads attachments, sends m and applies the outcome. A retryable error means the message is
// still in sending.
func (d *Dispatcher) deliverStored(ctx context.Context, secret *crypto.MasterSecret, p *SendPayload, m *store.Message, th *store.Thread, atts []*store.Attachment) error {
	pointers, err := d.uploadAttachments(ctx, atts)
	if err != nil {
		return err
	}

	msg := &OutgoingMessage{
		ThreadID:      th.ID,
		MessageID:     m.ID,
		Body:          m.Body,
		Attachments:   pointers,
		Recipients:    th.Names(),
		Secure:        m.Is(store.TypeSecure),
		Timestamp:     m.SentMs,
		EndSession:    m.Is(store.TypeEndSession),
		ExpiresInSec:  m.ExpiresInSec,
		FilterAddress: p.FilterAddress,
	}
	switch {
	case len(m.GroupContext) != 0:
		gc := &wire.GroupContext{}
		if err := bencode.Deserialize(m.GroupContext, gc); err != nil {
			return fmt.Errorf("dispatch: error decoding group context of %d: %w", m.ID, err)
		}
		if gc.Type == wire.GroupUpdate && len(pointers) != 0 {
			gc.Avatar = &pointers[0]
			msg.Attachments = nil
		}
		msg.Group = gc
	case th.IsGroup():
		msg.Group = &wire.GroupContext{ID: th.Group(), Type: wire.GroupDeliver}
	}

	outcome, err := d.Send(ctx, secret, msg)
	if err != nil {
		return err
	}
	if outcome.onlyNetwork() && !jobs.FinalAttempt(ctx) && allRetryable(outcome.Network) {
		return outcome.Network[0].Err
	}
	return d.applyOutcome(secret, m, outcome, p)
}

func allRetryable(failures []NetworkFailure) bool {
	for _, f := range failures {
		if !push.IsRetryable(f.Err) {
			return false
		}
	}
	return true
}

// applyOutcome records failures against the message and marks it sent or failed. With auto-accept on, a
// send that only failed on changed identity keys stays in sending while the keys are accepted.
func (d *Dispatcher) applyOutcome(secret *crypto.MasterSecret, m *store.Message, outcome *SendOutcome, p *SendPayload) error {
	return d.store.Run("apply send outcome", func() error {
		if p.FilterAddress == "" {
			if err := d.store.ClearNetworkFailures(m.ID); err != nil {
				return err
			}
		}
		for _, u := range outcome.Untrusted {
			if err := d.store.InsertMismatch(&store.IdentityMismatch{MessageID: m.ID, Name: u.Address.Name, DeviceID: u.Address.DeviceID, IdentityKey: u.IdentityKey}); err != nil {
				return err
			}
		}
		for _, n := range outcome.Network {
			if err := d.store.InsertNetworkFailure(m.ID, n.Address.Name); err != nil {
				return err
			}
		}
		for _, name := range outcome.Failed() {
			if err := d.store.DeleteReceipt(m.ID, name); err != nil {
				return err
			}
		}
		if err := d.store.AddTypes(m.ID, store.TypePush|store.TypeSecure); err != nil {
			return err
		}

		switch {
		case outcome.Success():
			return d.store.MarkSent(m.ID)
		case len(outcome.Network) == 0 && len(outcome.Unregistered) == 0 && d.config.AutoAcceptKeys && d.acceptor != nil:
			threadID := m.ThreadID
			d.store.AfterCommit(func() {
				if err := d.acceptor.AcceptMismatch(context.Background(), secret, threadID); err != nil {
					d.log.Warnf("error auto-accepting keys in thread %d: %v", threadID, err)
				}
			})
			return nil
		default:
			return d.store.MarkSentFailed(m.ID)
		}
	})
}

func (d *Dispatcher) uploadAttachments(ctx context.Context, atts []*store.Attachment) ([]wire.AttachmentPointer, error) {
	out := make([]wire.AttachmentPointer, 0, len(atts))
	for _, a := range atts {
		p, err := a.AttachmentPointer()
		if err != nil {
			return nil, err
		}
		if p != nil && a.State == store.AttachmentUploaded {
			out = append(out, *p)
			continue
		}
		if a.Data == nil {
			return nil, errors.New("dispatch: attachment has no data to upload")
		}
		sealed, err := crypto.SealAttachment(a.Data)
		if err != nil {
			return nil, err
		}
		id, err := d.service.UploadAttachment(ctx, sealed.Body)
		if err != nil {
			return nil, err
		}
		p = &wire.AttachmentPointer{ID: id, ContentType: a.ContentType, Key: sealed.Key, Size: sealed.Size, Digest: sealed.Digest, FileName: a.FileName}
		if err := d.store.Run("mark attachment uploaded", func() error {
			return d.store.MarkUploaded(a.ID, p)
		}); err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
