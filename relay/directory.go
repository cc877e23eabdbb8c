package relay

import (
	"sort"
	"sync"

	"github.com/meow-io/go-courier/wire"
)

type device struct {
	id             uint32
	registrationID uint32
	identityKey    []byte
	signedPreKey   *wire.SignedPreKeyEntry
	preKeys        []wire.PreKeyEntry
}

// directory is the relay's account and key registry. It lives in memory.
type directory struct {
	lock     sync.Mutex
	accounts map[string]map[uint32]*device
}

func newDirectory() *directory {
	return &directory{accounts: make(map[string]map[uint32]*device)}
}

// register adds or refreshes a device. A new registration id invalidates the published keys.
func (d *directory) register(addr wire.Address, registrationID uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	devices, ok := d.accounts[addr.Name]
	if !ok {
		devices = make(map[uint32]*device)
		d.accounts[addr.Name] = devices
	}
	if existing, ok := devices[addr.DeviceID]; ok && existing.registrationID == registrationID {
		return
	}
	devices[addr.DeviceID] = &device{id: addr.DeviceID, registrationID: registrationID}
}

func (d *directory) registered(addr wire.Address) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.accounts[addr.Name][addr.DeviceID]
	return ok
}

func (d *directory) setKeys(addr wire.Address, state *wire.PreKeyState) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	dev, ok := d.accounts[addr.Name][addr.DeviceID]
	if !ok {
		return false
	}
	spk := state.SignedPreKey
	dev.identityKey = state.IdentityKey
	dev.signedPreKey = &spk
	dev.preKeys = append([]wire.PreKeyEntry(nil), state.PreKeys...)
	return true
}

func (d *directory) preKeyCount(addr wire.Address) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	dev, ok := d.accounts[addr.Name][addr.DeviceID]
	if !ok {
		return 0
	}
	return len(dev.preKeys)
}

// bundles hands out one bundle per matching device, consuming a one-time prekey from each.
func (d *directory) bundles(name string, deviceID uint32) ([]wire.PreKeyBundle, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	devices, ok := d.accounts[name]
	if !ok {
		return nil, false
	}
	var out []wire.PreKeyBundle
	for _, dev := range sortedDevices(devices) {
		if deviceID != 0 && dev.id != deviceID {
			continue
		}
		if dev.signedPreKey == nil {
			continue
		}
		b := wire.PreKeyBundle{
			DeviceID:              dev.id,
			RegistrationID:        dev.registrationID,
			IdentityKey:           dev.identityKey,
			SignedPreKeyID:        dev.signedPreKey.ID,
			SignedPreKey:          dev.signedPreKey.PublicKey,
			SignedPreKeySignature: dev.signedPreKey.Signature,
		}
		if len(dev.preKeys) != 0 {
			b.PreKeyID = dev.preKeys[0].ID
			b.PreKey = dev.preKeys[0].PublicKey
			dev.preKeys = dev.preKeys[1:]
		}
		out = append(out, b)
	}
	return out, true
}

// check compares a submission against the registered devices of name. exclude is the sender's own device
// when writing to its own account.
func (d *directory) check(name string, exclude uint32, messages []wire.OutgoingMessage) (exists bool, mismatch *wire.MismatchedDevices, stale *wire.StaleDevices) {
	d.lock.Lock()
	defer d.lock.Unlock()
	devices, ok := d.accounts[name]
	if !ok {
		return false, nil, nil
	}
	submitted := make(map[uint32]bool)
	m := &wire.MismatchedDevices{}
	for _, msg := range messages {
		submitted[msg.DestinationDeviceID] = true
		if _, ok := devices[msg.DestinationDeviceID]; !ok || msg.DestinationDeviceID == exclude {
			m.Extra = append(m.Extra, msg.DestinationDeviceID)
		}
	}
	for _, dev := range sortedDevices(devices) {
		if dev.id != exclude && !submitted[dev.id] {
			m.Missing = append(m.Missing, dev.id)
		}
	}
	if len(m.Missing) != 0 || len(m.Extra) != 0 {
		return true, m, nil
	}
	s := &wire.StaleDevices{}
	for _, msg := range messages {
		if devices[msg.DestinationDeviceID].registrationID != msg.DestinationRegistrationID {
			s.Stale = append(s.Stale, msg.DestinationDeviceID)
		}
	}
	if len(s.Stale) != 0 {
		return true, nil, s
	}
	return true, nil, nil
}

func sortedDevices(devices map[uint32]*device) []*device {
	out := make([]*device, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
