// Package reconcile merges group events into the stored groups and resolves identity key mismatches
// recorded against messages.
package reconcile

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/dispatch"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// TrustStore pins identity keys.
type TrustStore interface {
	Pin(addr wire.Address, key []byte) error
}

type Downloader interface {
	DownloadAttachment(ctx context.Context, id string) ([]byte, error)
}

// Requeuer puts a previously undecryptable envelope back through intake, tied to its placeholder message.
type Requeuer interface {
	RequeueTx(env *wire.Envelope, messageID int64) error
}

type Reconciler struct {
	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	trust      TrustStore
	downloader Downloader
	store      *store.Store
	scheduler  *jobs.Scheduler
	requeuer   Requeuer
}

func New(c *config.Config, trust TrustStore, downloader Downloader, s *store.Store, scheduler *jobs.Scheduler, cl clock.Clock) *Reconciler {
	r := &Reconciler{
		config:     c,
		log:        c.Logger("reconcile"),
		clock:      cl,
		trust:      trust,
		downloader: downloader,
		store:      s,
		scheduler:  scheduler,
	}
	scheduler.Register(AvatarJobKind, &avatarJob{r})
	return r
}

func (r *Reconciler) SetRequeuer(q Requeuer) {
	r.requeuer = q
}

func tupleKey(im *store.IdentityMismatch) string {
	return fmt.Sprintf("%s.%d/%s", im.Name, im.DeviceID, hex.EncodeToString(im.IdentityKey))
}

// AcceptRecipients accepts the mismatches of the direct thread with names.
func (r *Reconciler) AcceptRecipients(ctx context.Context, secret *crypto.MasterSecret, names []string) error {
	var threadID int64
	var ok bool
	if err := r.store.RunReadOnly("resolve thread", func() error {
		var err error
		threadID, ok, err = r.store.ThreadIDFor(store.RecipientsKey(names))
		return err
	}); err != nil || !ok {
		return err
	}
	return r.AcceptMismatch(ctx, secret, threadID)
}

// AcceptMismatch trusts every identity key recorded as a mismatch in the thread. Each (address, key) pair is
// pinned once, then every message in any thread waiting on that pair is resent or decrypted again.
func (r *Reconciler) AcceptMismatch(ctx context.Context, secret *crypto.MasterSecret, threadID int64) error {
	var th *store.Thread
	var pending []*store.IdentityMismatch
	if err := r.store.RunReadOnly("thread mismatches", func() error {
		var err error
		if th, err = r.store.Thread(threadID); err != nil {
			return err
		}
		pending, err = r.store.MismatchesForThread(threadID)
		return err
	}); err != nil {
		return err
	}

	accepted := make(map[string]bool)
	for _, im := range pending {
		k := tupleKey(im)
		if accepted[k] {
			continue
		}
		accepted[k] = true
		if err := r.trust.Pin(im.Address(), im.IdentityKey); err != nil {
			return err
		}
		if err := r.store.Run("accept identity", func() error {
			return r.cascade(secret, im)
		}); err != nil {
			return err
		}
	}
	if len(accepted) == 0 || !th.IsGroup() {
		return nil
	}
	return r.store.Run("resend group update", func() error {
		return r.resendGroupUpdate(th)
	})
}

// cascade clears every mismatch sharing the address and key of im.
func (r *Reconciler) cascade(secret *crypto.MasterSecret, im *store.IdentityMismatch) error {
	matching, err := r.store.MismatchesMatching(im.Address(), im.IdentityKey)
	if err != nil {
		return err
	}
	noticed := make(map[int64]bool)
	for _, mm := range matching {
		if err := r.store.RemoveMismatch(mm); err != nil {
			return err
		}
		m, err := r.store.Message(mm.MessageID)
		if err != nil {
			return err
		}
		remaining, err := r.store.Mismatches(m.ID)
		if err != nil {
			return err
		}
		if m.IsOutgoing() {
			err = r.resend(m, mm, remaining)
		} else if len(remaining) == 0 {
			err = r.requeue(secret, m)
		}
		if err != nil {
			return err
		}
		if r.config.AutoAcceptKeys && !noticed[m.ThreadID] {
			noticed[m.ThreadID] = true
			if _, err := r.store.InsertMessage(&store.Message{
				ThreadID: m.ThreadID,
				Address:  mm.Name,
				DeviceID: mm.DeviceID,
				Type:     store.TypeKeysChanged,
				SentMs:   m.SentMs,
				Read:     true,
			}); err != nil {
				return err
			}
		}
	}
	r.log.Infof("accepted new identity for %s in %d messages", im.Address(), len(matching))
	return nil
}

// resend sends m again once nothing else blocks it. Group messages only go to the member whose key changed.
func (r *Reconciler) resend(m *store.Message, mm *store.IdentityMismatch, remaining []*store.IdentityMismatch) error {
	th, err := r.store.Thread(m.ThreadID)
	if err != nil {
		return err
	}
	p := &dispatch.SendPayload{MessageID: m.ID}
	if th.IsGroup() {
		for _, other := range remaining {
			if other.Name == mm.Name {
				return nil
			}
		}
		p.FilterAddress = mm.Name
	} else if len(remaining) != 0 {
		return nil
	}
	if err := r.store.MarkSending(m.ID); err != nil {
		return err
	}
	_, err = r.scheduler.EnqueueTx(dispatch.SendSpec(th.ID, p))
	return err
}

func (r *Reconciler) requeue(secret *crypto.MasterSecret, m *store.Message) error {
	if len(m.Sealed) == 0 {
		r.log.Warnf("message %d has no stored envelope to decrypt again", m.ID)
		return nil
	}
	b, err := secret.Open(m.Sealed)
	if err != nil {
		return err
	}
	env, err := wire.UnmarshalEnvelope(b)
	if err != nil {
		return err
	}
	if r.requeuer == nil {
		return fmt.Errorf("reconcile: no requeuer for message %d", m.ID)
	}
	return r.requeuer.RequeueTx(env, m.ID)
}

// resendGroupUpdate announces the current state of the group so members with new keys catch up.
func (r *Reconciler) resendGroupUpdate(th *store.Thread) error {
	g, ok, err := r.store.Group(th.Group())
	if err != nil || !ok || !g.Active {
		return err
	}
	gc, err := bencode.Serialize(&wire.GroupContext{
		ID:      g.ID,
		Type:    wire.GroupUpdate,
		Name:    g.Title,
		Members: g.Members,
		Admin:   g.Admin,
		Version: g.Version,
		Avatar:  g.Avatar,
	})
	if err != nil {
		return err
	}
	id, err := r.store.InsertMessage(&store.Message{
		ThreadID:     th.ID,
		Address:      r.config.LocalName,
		DeviceID:     r.config.LocalDeviceID,
		Type:         store.TypeOutgoing | store.TypeSecure | store.TypeGroupUpdate,
		GroupContext: gc,
		SentMs:       r.clock.CurrentTimeMs(),
	})
	if err != nil {
		return err
	}
	_, err = r.scheduler.EnqueueTx(dispatch.SendSpec(th.ID, &dispatch.SendPayload{MessageID: id}))
	return err
}
