package courier

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies one device's logical endpoint: an account plus one of
// its devices. Immutable value type, usable as a map key. Its serialized form
// "accountId.deviceId" doubles as the pub/sub channel name for the device.
type Address struct {
	AccountID string
	DeviceID  uint8
}

func NewAddress(accountID string, deviceID uint8) Address {
	return Address{AccountID: accountID, DeviceID: deviceID}
}

// ParseAddress parses the serialized "accountId.deviceId" form.
func ParseAddress(s string) (Address, error) {
	idx := strings.LastIndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return Address{}, fmt.Errorf("malformed address %q", s)
	}
	deviceID, err := strconv.ParseUint(s[idx+1:], 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("malformed device id in address %q: %w", s, err)
	}
	return Address{AccountID: s[:idx], DeviceID: uint8(deviceID)}, nil
}

func (a Address) String() string {
	return a.AccountID + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// Channel returns the pub/sub channel name for the address. At most one
// subscription per channel exists per process.
func (a Address) Channel() string {
	return a.String()
}
