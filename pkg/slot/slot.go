// Package slot computes cache-cluster hash slots for keys. The slot function
// is the cluster's own sharding function (CRC16/XMODEM modulo 16384, with
// curly-brace hash tags), so structures partitioned with it stay aligned with
// the cluster's key placement.
package slot

// Count is the number of hash slots in the cluster keyspace.
const Count = 16384

// ForKey returns the hash slot for key in [0, Count).
func ForKey(key string) int {
	if s, ok := hashTag(key); ok {
		key = s
	}
	return int(crc16([]byte(key)) % Count)
}

// hashTag extracts the content of the first {...} section, if any. An empty
// tag "{}" does not count, matching cluster semantics.
func hashTag(key string) (string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return "", false
				}
				return key[i+1 : j], true
			}
		}
		return "", false
	}
	return "", false
}

func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
