// Package address defines the routable endpoint identity used throughout
// the dispatch fabric: a (uid, device-id) pair.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// LoginDeviceID is the transient pseudo-device used for QR/login-request
// sessions. It never appears in Account.Devices.
const LoginDeviceID uint32 = 0

// MasterDeviceID is the primary device of an account. Only the master
// device may mutate account-wide attributes.
const MasterDeviceID uint32 = 1

// Addr identifies a single message endpoint: one device of one user.
type Addr struct {
	UID      string
	DeviceID uint32
}

// New builds an Addr, normalizing the uid the way the rest of the stack
// expects (trimmed, case preserved — uids are opaque tokens minted by the
// external account store).
func New(uid string, deviceID uint32) Addr {
	return Addr{UID: strings.TrimSpace(uid), DeviceID: deviceID}
}

// String renders the wire/Redis-channel form "<uid>.<deviceId>".
func (a Addr) String() string {
	return fmt.Sprintf("%s.%d", a.UID, a.DeviceID)
}

// IsMaster reports whether this address is the account's master device.
func (a Addr) IsMaster() bool {
	return a.DeviceID == MasterDeviceID
}

// IsLoginPseudoDevice reports whether this is the transient login-request
// pseudo-device rather than a real linked device.
func (a Addr) IsLoginPseudoDevice() bool {
	return a.DeviceID == LoginDeviceID
}

// Parse decodes the Basic-auth subject "uid[.deviceId]" used by the
// WebSocket upgrade handshake (spec.md §6). A missing device id defaults to
// the master device.
func Parse(subject string) (Addr, error) {
	uid, devicePart, found := strings.Cut(subject, ".")
	if uid == "" {
		return Addr{}, fmt.Errorf("address: empty uid in %q", subject)
	}
	if !found {
		return New(uid, MasterDeviceID), nil
	}
	deviceID, err := strconv.ParseUint(devicePart, 10, 32)
	if err != nil {
		return Addr{}, fmt.Errorf("address: invalid device id %q: %w", devicePart, err)
	}
	return New(uid, uint32(deviceID)), nil
}

// RedisChannel returns the pub/sub channel name a peer node uses to deliver
// to this address when no local session owns it (spec.md §4.2).
func (a Addr) RedisChannel() string {
	return "dispatch:" + a.String()
}
