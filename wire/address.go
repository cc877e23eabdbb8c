// Package wire holds the bencoded formats exchanged with the relay and between devices.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const DefaultDeviceID uint32 = 1

// Address is one device of one account.
type Address struct {
	Name     string `bencode:"n"`
	Relay    string `bencode:"r,omitempty"`
	DeviceID uint32 `bencode:"d"`
}

func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

func (a Address) WithDevice(deviceID uint32) Address {
	a.DeviceID = deviceID
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Name, a.DeviceID)
}

func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 {
		return Address{}, fmt.Errorf("wire: malformed address %q", s)
	}
	d, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("wire: malformed device in %q: %w", s, err)
	}
	return NewAddress(s[:i], uint32(d)), nil
}
