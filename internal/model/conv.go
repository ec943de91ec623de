package model

// Itoa is a minimal int-to-string converter for hot-path key building.
func Itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// StreamKey returns the channel/stream name used for a named series:
// "candle:{interval}s:{name}".
func StreamKey(name string, intervalSec int64) string {
	return "candle:" + Itoa(intervalSec) + "s:" + name
}
