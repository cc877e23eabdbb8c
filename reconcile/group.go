package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"golang.org/x/exp/slices"
)

const AvatarJobKind = "avatar-download"

// Outcome says what a group event did to the stored group.
type Outcome uint8

const (
	Ignored Outcome = iota
	Created
	Updated
	Kicked
	Left
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Kicked:
		return "kicked"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// merge applies gc from sender to local and returns the new record, or nil when the event is ignored.
// local is never modified.
func merge(local *store.Group, localName, sender string, gc *wire.GroupContext, outgoing bool) (*store.Group, Outcome) {
	if local == nil {
		if gc.Type != wire.GroupUpdate {
			return nil, Ignored
		}
		return &store.Group{
			ID:      gc.ID,
			Version: gc.Version,
			Admin:   gc.Admin,
			Title:   gc.Name,
			Avatar:  gc.Avatar,
			Active:  true,
			Members: union(nil, gc.Members, gc.Kicked),
		}, Created
	}

	g := *local
	g.Members = append([]string(nil), local.Members...)
	switch gc.Type {
	case wire.GroupUpdate, wire.GroupKick:
		if local.Version != 0 && sender != local.Admin {
			return nil, Ignored
		}
		g.Members = union(g.Members, gc.Members, gc.Kicked)
		if gc.Name != "" {
			g.Title = gc.Name
		}
		if gc.Avatar != nil {
			if g.Avatar == nil || !bytes.Equal(g.Avatar.Digest, gc.Avatar.Digest) || g.Avatar.ID != gc.Avatar.ID {
				g.AvatarData = nil
			}
			g.Avatar = gc.Avatar
		}
		if gc.Admin != "" {
			g.Admin = gc.Admin
		}
		if gc.Version > g.Version {
			g.Version = gc.Version
		}
		if gc.Type == wire.GroupKick {
			if slices.Contains(gc.Kicked, localName) {
				g.Active = false
			}
			return &g, Kicked
		}
		if !g.Active && g.IsMember(localName) {
			g.Active = true
		}
		return &g, Updated
	case wire.GroupQuit:
		if !local.IsMember(sender) {
			return nil, Ignored
		}
		g.Members = union(g.Members, nil, []string{sender})
		if outgoing {
			g.Active = false
		}
		return &g, Left
	default:
		return nil, Ignored
	}
}

// union returns (a ∪ b) \ remove, sorted.
func union(a, b, remove []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, m := range set {
			if !slices.Contains(remove, m) && !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	slices.Sort(out)
	return out
}

// ApplyGroupEvent merges an incoming or synced group event into the stored group. It must be called inside
// a store transaction. A new avatar schedules its download.
func (r *Reconciler) ApplyGroupEvent(sender string, gc *wire.GroupContext, outgoing bool) (Outcome, error) {
	local, ok, err := r.store.Group(gc.ID)
	if err != nil {
		return Ignored, err
	}
	if !ok {
		local = nil
	}
	g, outcome := merge(local, r.config.LocalName, sender, gc, outgoing)
	r.log.Debugf("group %s event type=%d from %s: %s", gc.ID, gc.Type, sender, outcome)
	if g == nil {
		return outcome, nil
	}
	if err := r.store.UpsertGroup(g); err != nil {
		return Ignored, err
	}
	if gc.Avatar != nil && g.AvatarData == nil {
		if _, err := r.scheduler.EnqueueTx(AvatarSpec(g.ID)); err != nil {
			return Ignored, err
		}
	}
	return outcome, nil
}

type AvatarPayload struct {
	GroupID ids.ID `bencode:"g"`
}

func AvatarSpec(id ids.ID) *jobs.Spec {
	return &jobs.Spec{Kind: AvatarJobKind, GroupKey: "avatar:" + id.String(), Payload: &AvatarPayload{GroupID: id}}
}

type avatarJob struct {
	r *Reconciler
}

func (j *avatarJob) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	p := &AvatarPayload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	var pointer *wire.AttachmentPointer
	if err := j.r.store.RunReadOnly("load group avatar", func() error {
		g, ok, err := j.r.store.Group(p.GroupID)
		if err != nil || !ok {
			return err
		}
		if g.AvatarData == nil {
			pointer = g.Avatar
		}
		return nil
	}); err != nil {
		return err
	}
	if pointer == nil {
		return nil
	}
	body, err := j.r.downloader.DownloadAttachment(ctx, pointer.ID)
	if err != nil {
		return err
	}
	data, err := crypto.OpenAttachment(body, pointer.Key, pointer.Digest)
	if errors.Is(err, crypto.ErrDigestMismatch) {
		j.r.log.Warnf("avatar of group %s failed its digest check", p.GroupID)
		return nil
	}
	if err != nil {
		return err
	}
	return j.r.store.Run("store group avatar", func() error {
		g, ok, err := j.r.store.Group(p.GroupID)
		if err != nil || !ok {
			return err
		}
		// the avatar may have changed while downloading
		if g.Avatar == nil || g.Avatar.ID != pointer.ID {
			return nil
		}
		return j.r.store.SetGroupAvatarData(p.GroupID, data)
	})
}

func (j *avatarJob) ShouldRetry(err error) bool {
	return push.IsRetryable(err)
}

func (j *avatarJob) MaxAttempts() int {
	return 0
}
