package kiwi

import (
	"encoding/binary"
	"hash/crc32"
)

// CRCSize is the length of the trailer on range-read replies.
const CRCSize = 4

// VerifyCRC splits a range-read reply into payload and trailer and reports
// whether the trailer is the CRC32 (IEEE) of the payload, big-endian.
func VerifyCRC(resp []byte) ([]byte, bool) {
	if len(resp) < CRCSize {
		return nil, false
	}
	payload := resp[:len(resp)-CRCSize]
	want := binary.BigEndian.Uint32(resp[len(resp)-CRCSize:])
	return payload, crc32.ChecksumIEEE(payload) == want
}

// AppendCRC appends the trailer the logger would send after payload.
func AppendCRC(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+CRCSize)
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(payload))
}
