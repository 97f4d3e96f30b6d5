package sntp

import (
	"encoding/binary"

	"github.com/juju/errors"
)

const (
	packetSize = 48
	// leap=0 version=4 mode=3 (client)
	requestHeader = 0x23
	// seconds between the 1900 epoch and the unix epoch
	epochOffset = 2208988800
)

// buildRequest fills buf with a minimal client request. Only the header
// byte matters, everything else stays zero.
func buildRequest(buf []byte) []byte {
	buf = buf[:packetSize]
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = requestHeader
	return buf
}

// decodeReply extracts the transmit timestamp as unix microseconds.
// Short datagrams are noise on the wire, not partial answers.
func decodeReply(b []byte) (uint64, error) {
	if len(b) < packetSize {
		return 0, errors.Errorf("sntp: short reply: %d bytes", len(b))
	}
	secs := binary.BigEndian.Uint32(b[40:44])
	frac := binary.BigEndian.Uint32(b[44:48])
	if secs < epochOffset {
		return 0, errors.Errorf("sntp: reply timestamp before unix epoch: %d", secs)
	}
	us := uint64(secs-epochOffset) * 1e6
	us += (uint64(frac) * 1e6) >> 32
	return us, nil
}
