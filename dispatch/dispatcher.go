// Package dispatch turns outgoing messages into per-device ciphertexts, submits them to the relay and folds
// the per-recipient results into a SendOutcome. It also owns the jobs that send stored messages and receipts.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const maxAttempts = 3

var errTooManyAttempts = errors.New("device list did not settle")

// Sessions is the part of the session transport the dispatcher needs.
type Sessions interface {
	LocalAddress() wire.Address
	DeviceIDs(name string) ([]uint32, error)
	EnsureSession(ctx context.Context, secret *crypto.MasterSecret, addr wire.Address) error
	EncryptFor(secret *crypto.MasterSecret, addr wire.Address, plaintext []byte) (*wire.OutgoingMessage, error)
	DeleteSession(addr wire.Address) error
	DeleteAllSessions(name string) error
}

// Service is the part of the relay client the dispatcher needs.
type Service interface {
	SubmitMessages(ctx context.Context, list *wire.OutgoingMessageList) error
	UploadAttachment(ctx context.Context, data []byte) (string, error)
}

// Acceptor resolves identity mismatches recorded against a thread.
type Acceptor interface {
	AcceptMismatch(ctx context.Context, secret *crypto.MasterSecret, threadID int64) error
}

// OutgoingMessage is one message to send. Group messages go to the stored members of the group.
type OutgoingMessage struct {
	ThreadID     int64
	MessageID    int64
	Body         string
	Attachments  []wire.AttachmentPointer
	Group        *wire.GroupContext
	Recipients   []string
	Secure       bool
	Timestamp    uint64
	EndSession   bool
	ExpiresInSec uint32
	Answers      *wire.PredefinedAnswers
	// FilterAddress limits the send to one recipient.
	FilterAddress string
}

type Dispatcher struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	sessions  Sessions
	service   Service
	store     *store.Store
	scheduler *jobs.Scheduler
	acceptor  Acceptor
}

// NewDispatcher registers the send, receipt and sync jobs with scheduler.
func NewDispatcher(c *config.Config, sessions Sessions, service Service, s *store.Store, scheduler *jobs.Scheduler, cl clock.Clock) *Dispatcher {
	d := &Dispatcher{
		config:    c,
		log:       c.Logger("dispatch"),
		clock:     cl,
		sessions:  sessions,
		service:   service,
		store:     s,
		scheduler: scheduler,
	}
	scheduler.Register(SendJobKind, &sendJob{d})
	scheduler.Register(ReceiptJobKind, &receiptJob{d})
	scheduler.Register(SyncJobKind, &syncJob{d})
	return d
}

// SetAcceptor wires the path used to auto-accept changed identity keys.
func (d *Dispatcher) SetAcceptor(a Acceptor) {
	d.acceptor = a
}

// Send delivers msg to every device of every recipient. Per-recipient failures are folded into the outcome.
// The error is only set for local failures.
func (d *Dispatcher) Send(ctx context.Context, secret *crypto.MasterSecret, msg *OutgoingMessage) (*SendOutcome, error) {
	names, err := d.recipients(msg)
	if err != nil {
		return nil, err
	}
	dm, err := d.dataMessage(msg)
	if err != nil {
		return nil, err
	}
	body, err := (&wire.Content{DataMessage: dm}).Marshal()
	if err != nil {
		return nil, err
	}

	results := make([]result, 0, len(names))
	for _, name := range names {
		err := d.sendTo(ctx, secret, name, body, msg.Timestamp, nil)
		if err != nil {
			d.log.Debugf("send %d to %s failed: %v", msg.MessageID, name, err)
		}
		results = append(results, result{address: wire.NewAddress(name, wire.DefaultDeviceID), err: err})
	}
	outcome := foldOutcome(results)

	if msg.EndSession {
		for _, name := range outcome.Succeeded {
			if err := d.sessions.DeleteAllSessions(name); err != nil {
				return nil, err
			}
		}
	}

	if len(outcome.Succeeded) != 0 {
		others, err := d.hasOtherDevices()
		if err != nil {
			return nil, err
		}
		if others {
			if err := d.sendTranscript(ctx, secret, msg, dm, outcome); err != nil {
				d.log.Debugf("transcript of %d failed: %v", msg.MessageID, err)
				outcome.NeedsSync = true
			}
		}
	}
	return outcome, nil
}

// recipients resolves msg to base identities, never including the local account. The kicked members of a
// kick stay recipients even after an earlier attempt removed them from the stored group.
func (d *Dispatcher) recipients(msg *OutgoingMessage) ([]string, error) {
	local := d.sessions.LocalAddress().Name
	names := msg.Recipients
	if msg.Group != nil {
		if err := d.store.RunReadOnly("group recipients", func() error {
			g, ok, err := d.store.Group(msg.Group.ID)
			if err != nil || !ok {
				return err
			}
			names = g.Members
			if msg.Group.Type == wire.GroupKick {
				names = append(append([]string(nil), g.Members...), msg.Group.Kicked...)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if msg.FilterAddress != "" {
		names = []string{msg.FilterAddress}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != local && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// dataMessage builds the wire message. A kick removes the kicked members from the stored group first.
func (d *Dispatcher) dataMessage(msg *OutgoingMessage) (*wire.DataMessage, error) {
	dm := &wire.DataMessage{
		Body:        msg.Body,
		Attachments: msg.Attachments,
		ExpireTimer: msg.ExpiresInSec,
		Timestamp:   msg.Timestamp,
		Answers:     msg.Answers,
	}
	if msg.EndSession {
		dm.Flags |= wire.FlagEndSession
	}
	if msg.Group == nil {
		return dm, nil
	}

	gc := *msg.Group
	switch gc.Type {
	case wire.GroupDeliver:
		gc = wire.GroupContext{ID: gc.ID, Type: wire.GroupDeliver}
	case wire.GroupUpdate, wire.GroupQuit:
	case wire.GroupKick:
		if err := d.store.Run("apply outgoing kick", func() error {
			g, ok, err := d.store.Group(gc.ID)
			if err != nil || !ok {
				return err
			}
			members := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				if !slices.Contains(gc.Kicked, m) {
					members = append(members, m)
				}
			}
			g.Members = members
			gc.Members = members
			return d.store.UpsertGroup(g)
		}); err != nil {
			return nil, err
		}
	default:
		panic(fmt.Sprintf("dispatch: unknown group context type %d", gc.Type))
	}
	if gc.Admin == "" {
		if err := d.store.RunReadOnly("group admin", func() error {
			g, ok, err := d.store.Group(gc.ID)
			if ok {
				gc.Admin = g.Admin
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	dm.Group = &gc
	return dm, nil
}

// devicesFor lists the devices of name to encrypt for: the primary device and every device with a session,
// never the local device.
func (d *Dispatcher) devicesFor(name string, skip map[uint32]bool) ([]uint32, error) {
	local := d.sessions.LocalAddress()
	devices := make(map[uint32]struct{})
	if name != local.Name || local.DeviceID != wire.DefaultDeviceID {
		devices[wire.DefaultDeviceID] = struct{}{}
	}
	ids, err := d.sessions.DeviceIDs(name)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		devices[id] = struct{}{}
	}
	if name == local.Name {
		delete(devices, local.DeviceID)
	}
	for id := range skip {
		delete(devices, id)
	}
	out := maps.Keys(devices)
	slices.Sort(out)
	return out, nil
}

func (d *Dispatcher) hasOtherDevices() (bool, error) {
	devices, err := d.devicesFor(d.sessions.LocalAddress().Name, nil)
	return len(devices) != 0, err
}

// sendTo encrypts body for every device of name and submits it, repairing sessions when the relay reports
// mismatched or stale devices.
func (d *Dispatcher) sendTo(ctx context.Context, secret *crypto.MasterSecret, name string, body []byte, timestamp uint64, skip map[uint32]bool) error {
	for attempt := 0; attempt != maxAttempts; attempt++ {
		devices, err := d.devicesFor(name, skip)
		if err != nil {
			return err
		}
		list := &wire.OutgoingMessageList{Destination: name, Timestamp: timestamp}
		for _, id := range devices {
			addr := wire.NewAddress(name, id)
			if err := d.sessions.EnsureSession(ctx, secret, addr); err != nil {
				return err
			}
			m, err := d.sessions.EncryptFor(secret, addr, body)
			if err != nil {
				return err
			}
			list.Messages = append(list.Messages, *m)
		}

		err = d.service.SubmitMessages(ctx, list)
		var mismatched *push.MismatchedDevicesError
		var stale *push.StaleDevicesError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &mismatched):
			d.log.Debugf("mismatched devices for %s: missing %v extra %v", name, mismatched.Missing, mismatched.Extra)
			for _, id := range mismatched.Extra {
				if err := d.sessions.DeleteSession(wire.NewAddress(name, id)); err != nil {
					return err
				}
			}
			for _, id := range mismatched.Missing {
				if err := d.sessions.EnsureSession(ctx, secret, wire.NewAddress(name, id)); err != nil {
					return err
				}
			}
		case errors.As(err, &stale):
			d.log.Debugf("stale devices for %s: %v", name, stale.Stale)
			for _, id := range stale.Stale {
				addr := wire.NewAddress(name, id)
				if err := d.sessions.DeleteSession(addr); err != nil {
					return err
				}
				if err := d.sessions.EnsureSession(ctx, secret, addr); err != nil {
					return err
				}
			}
		default:
			return err
		}
	}
	return &push.NetworkError{Op: fmt.Sprintf("send to %s", name), Err: errTooManyAttempts}
}

// sendTranscript copies a delivered message to our other devices. Our own devices that failed with an
// untrusted identity are left out.
func (d *Dispatcher) sendTranscript(ctx context.Context, secret *crypto.MasterSecret, msg *OutgoingMessage, dm *wire.DataMessage, outcome *SendOutcome) error {
	local := d.sessions.LocalAddress()
	skip := make(map[uint32]bool)
	for _, u := range outcome.Untrusted {
		if u.Address.Name == local.Name {
			skip[u.Address.DeviceID] = true
		}
	}
	sent := &wire.SentTranscript{Timestamp: msg.Timestamp, Message: *dm}
	if msg.Group == nil && len(msg.Recipients) == 1 {
		sent.Destination = msg.Recipients[0]
	}
	body, err := (&wire.Content{SyncMessage: &wire.SyncMessage{Sent: sent}}).Marshal()
	if err != nil {
		return err
	}
	return d.sendTo(ctx, secret, local.Name, body, msg.Timestamp, skip)
}

// SendSync sends a sync message to our other devices only.
func (d *Dispatcher) SendSync(ctx context.Context, secret *crypto.MasterSecret, sm *wire.SyncMessage) error {
	others, err := d.hasOtherDevices()
	if err != nil || !others {
		return err
	}
	body, err := (&wire.Content{SyncMessage: sm}).Marshal()
	if err != nil {
		return err
	}
	return d.sendTo(ctx, secret, d.sessions.LocalAddress().Name, body, d.clock.CurrentTimeMs(), nil)
}

// SendReceipt tells one device of name that the message it sent at timestamp was delivered or read.
func (d *Dispatcher) SendReceipt(ctx context.Context, to wire.Address, timestamp uint64, read bool) error {
	t := wire.TypeReceipt
	if read {
		t = wire.TypeRead
	}
	return d.service.SubmitMessages(ctx, &wire.OutgoingMessageList{
		Destination: to.Name,
		Relay:       to.Relay,
		Timestamp:   timestamp,
		Messages:    []wire.OutgoingMessage{{Type: t, DestinationDeviceID: to.DeviceID}},
	})
}
