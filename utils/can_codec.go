package utils

import (
	"encoding/binary"

	"go.einride.tech/can"
)

// MaxStandardID is the largest 11-bit identifier.
const MaxStandardID = 0x7FF

// WordsFromBytes views an 8 byte payload as two little-endian 32-bit words.
func WordsFromBytes(b [8]byte) [2]uint32 {
	return [2]uint32{
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint32(b[4:8]),
	}
}

// BytesFromWords is the inverse of WordsFromBytes.
func BytesFromWords(data [2]uint32) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], data[0])
	binary.LittleEndian.PutUint32(b[4:8], data[1])
	return b
}

// EncodeEinrideFrame produces an einride can.Frame ready to transmit. Ids
// above the 11-bit range always use extended framing.
func EncodeEinrideFrame(id uint32, data [2]uint32, length uint8, extended bool) can.Frame {
	if length > 8 {
		length = 8
	}
	var f can.Frame
	f.ID = id
	f.Length = length
	f.IsExtended = extended || id > MaxStandardID
	f.Data = can.Data(BytesFromWords(data))
	return f
}

// DecodeEinrideFrame returns the identifier, payload words and DLC of a
// received frame. Bytes beyond the DLC are zeroed.
func DecodeEinrideFrame(f can.Frame) (uint32, [2]uint32, uint8) {
	length := f.Length
	if length > 8 {
		length = 8
	}
	var b [8]byte
	copy(b[:length], f.Data[:length])
	return f.ID, WordsFromBytes(b), length
}
