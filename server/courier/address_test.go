package courier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	addr := NewAddress("42", 1)
	require.Equal(t, "42.1", addr.String())
	require.Equal(t, "42.1", addr.Channel())

	parsed, err := ParseAddress("42.1")
	require.NoError(t, err)
	require.Equal(t, addr, parsed)
}

func TestParseAddressAccountWithDots(t *testing.T) {
	// Only the last separator splits the device id.
	parsed, err := ParseAddress("a.b.c.7")
	require.NoError(t, err)
	require.Equal(t, "a.b.c", parsed.AccountID)
	require.Equal(t, uint8(7), parsed.DeviceID)
}

func TestParseAddressMalformed(t *testing.T) {
	for _, s := range []string{"", "42", "42.", ".1", "42.x", "42.300"} {
		_, err := ParseAddress(s)
		require.Error(t, err, "input %q", s)
	}
}
