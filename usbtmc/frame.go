/*Package usbtmc implements the bulk transfer mode of the USB Test and
Measurement Class, enough to speak SCPI to bench instruments such as
potentiostats and multimeters over USB.

Multi-transfer messages are not supported; replies must fit in one bulk-in
transfer.

To send a message:
1.  prefix a DEV_DEP_MSG_OUT header
2.  pad the transfer to a multiple of 4 bytes

To receive a message:
1.  send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  read from the In endpoint and strip the 12 byte header
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	headerSize = 12
	alignment  = 4
	reserved   = 0x00

	msgOut   = 0x01 // DEV_DEP_MSG_OUT
	msgInReq = 0x02 // REQUEST_DEV_DEP_MSG_IN
)

// ErrShortHeader is returned when a bulk-in transfer is smaller than a header
var ErrShortHeader = errors.New("usbtmc: transfer shorter than header")

// bTagGen is a concurrent-safe bTag generator.  Valid tags are 1..255.
type bTagGen struct {
	sync.Mutex
	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag is the bitwise inversion of a tag, USBTMC table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOut frames data as a single DEV_DEP_MSG_OUT transfer with EOM set
func encBulkOut(tag byte, data []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(data)+alignment)
	out[0] = msgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	out[8] = 0x01 // EOM
	out = append(out, data...)
	if residual := len(out) % alignment; residual > 0 {
		out = append(out, make([]byte, alignment-residual)...)
	}
	return out
}

// encBulkInRequest asks for up to size bytes, ending early on term if non-nil
func encBulkInRequest(tag byte, size int, term *byte) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgInReq
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(size))
	if term != nil {
		out[8] = 0x02
		out[9] = *term
	}
	return out
}

// decBulkIn strips the header from a DEV_DEP_MSG_IN transfer and returns
// the payload, trimmed to the transfer size the header declares
func decBulkIn(tag byte, b []byte) ([]byte, error) {
	if len(b) < headerSize {
		return nil, ErrShortHeader
	}
	if b[0] != msgInReq {
		return nil, fmt.Errorf("usbtmc: unexpected MsgID %#x", b[0])
	}
	if b[1] != tag || b[2] != invbTag(tag) {
		return nil, fmt.Errorf("usbtmc: bTag mismatch, sent %d got %d", tag, b[1])
	}
	n := int(binary.LittleEndian.Uint32(b[4:8]))
	payload := b[headerSize:]
	if n > len(payload) {
		return nil, fmt.Errorf("usbtmc: header declares %d bytes, transfer holds %d", n, len(payload))
	}
	return payload[:n], nil
}
