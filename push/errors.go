package push

import (
	"fmt"

	"github.com/meow-io/go-courier/wire"
)

// MismatchedDevicesError is returned when the submitted device list does not match what the relay knows.
type MismatchedDevicesError struct {
	Name    string
	Missing []uint32
	Extra   []uint32
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("push: mismatched devices for %s, missing %v extra %v", e.Name, e.Missing, e.Extra)
}

// StaleDevicesError names devices whose registration changed since our session was built.
type StaleDevicesError struct {
	Name  string
	Stale []uint32
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("push: stale devices for %s: %v", e.Name, e.Stale)
}

type UnregisteredUserError struct {
	Name string
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("push: %s is not registered", e.Name)
}

// NetworkError covers I/O failures and unexpected statuses. These are worth retrying later.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("push: %s failed with status %d", e.Op, e.StatusCode)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func mismatched(name string, m *wire.MismatchedDevices) error {
	return &MismatchedDevicesError{Name: name, Missing: m.Missing, Extra: m.Extra}
}

func stale(name string, s *wire.StaleDevices) error {
	return &StaleDevicesError{Name: name, Stale: s.Stale}
}
