package utils

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// MaxFieldBits is the widest field a signal slot can address.
const MaxFieldBits = 32

var (
	ErrFieldLength = errors.New("field length must be 1..32 bits")
	ErrFieldOffset = errors.New("field does not fit in an 8 byte payload")
)

// FieldWidth returns the magnitude of a signed slot length. The sign only
// carries the byte order.
func FieldWidth(numBits int8) uint8 {
	if numBits < 0 {
		return uint8(-int16(numBits))
	}
	return uint8(numBits)
}

// CheckField reports whether a field of numBits starting at pos is
// addressable inside an 8 byte payload. Negative numBits select the
// big-endian (Motorola) layout where pos is the most significant bit.
func CheckField(pos uint8, numBits int8) error {
	width := FieldWidth(numBits)
	if width == 0 || width > MaxFieldBits {
		return ErrFieldLength
	}
	if pos > 63 {
		return ErrFieldOffset
	}
	if numBits > 0 {
		if int(pos)+int(width) > 64 {
			return ErrFieldOffset
		}
		return nil
	}
	if motorolaMSB(pos)-int(width)+1 < 0 {
		return ErrFieldOffset
	}
	return nil
}

// ExtractBits reads the raw field at pos. Bits that would fall outside the
// payload read as zero; the function never fails.
func ExtractBits(data [2]uint32, pos uint8, numBits int8) uint32 {
	width := FieldWidth(numBits)
	if width == 0 || width > MaxFieldBits {
		return 0
	}
	if numBits > 0 {
		return uint32(getBits(payload64(data), int(pos), int(width)))
	}

	packed := bits.ReverseBytes64(payload64(data))
	lsb := motorolaMSB(pos) - int(width) + 1
	if lsb < 0 {
		return uint32((packed << uint(-lsb)) & fieldMask(width))
	}
	return uint32(getBits(packed, lsb, int(width)))
}

// ExtractSigned is ExtractBits followed by two's complement sign extension.
func ExtractSigned(data [2]uint32, pos uint8, numBits int8) int32 {
	return SignExtend(ExtractBits(data, pos, numBits), FieldWidth(numBits))
}

// InsertBits ORs the low bits of raw into the field at pos. Existing payload
// bits are never cleared, so overlapping fields merge.
func InsertBits(data *[2]uint32, pos uint8, numBits int8, raw uint32) {
	width := FieldWidth(numBits)
	if width == 0 || width > MaxFieldBits {
		return
	}
	v := uint64(raw) & fieldMask(width)

	if numBits > 0 {
		payload := payload64(*data) | v<<pos
		data[0], data[1] = uint32(payload), uint32(payload>>32)
		return
	}

	packed := bits.ReverseBytes64(payload64(*data))
	lsb := motorolaMSB(pos) - int(width) + 1
	if lsb < 0 {
		packed |= v >> uint(-lsb)
	} else {
		packed |= v << uint(lsb)
	}
	payload := bits.ReverseBytes64(packed)
	data[0], data[1] = uint32(payload), uint32(payload>>32)
}

// SignExtend interprets the low width bits of raw as a two's complement
// number. One bit fields stay unsigned.
func SignExtend(raw uint32, width uint8) int32 {
	if width <= 1 || width >= 32 {
		return int32(raw)
	}
	sign := uint32(1) << (width - 1)
	mask := uint32(1)<<width - 1
	return int32((raw+sign)&mask) - int32(sign)
}

// GetBufferBits reads a little-endian bit range from an arbitrary byte
// buffer. Bytes past the end of buf read as zero.
func GetBufferBits(buf []byte, startBit uint16, bitLen uint8) uint64 {
	var value uint64
	for i := uint8(0); i < bitLen && i < 64; i++ {
		bitIndex := int(startBit) + int(i)
		byteIndex := bitIndex / 8
		if byteIndex >= len(buf) {
			continue
		}
		bit := (buf[byteIndex] >> (bitIndex % 8)) & 1
		value |= uint64(bit) << i
	}
	return value
}

// SetBufferBits overwrites a little-endian bit range in buf. Bits past the
// end of buf are dropped.
func SetBufferBits(buf []byte, startBit uint16, bitLen uint8, value uint64) {
	for i := uint8(0); i < bitLen && i < 64; i++ {
		bitIndex := int(startBit) + int(i)
		byteIndex := bitIndex / 8
		if byteIndex >= len(buf) {
			continue
		}
		mask := byte(1) << (bitIndex % 8)
		if (value>>i)&1 != 0 {
			buf[byteIndex] |= mask
		} else {
			buf[byteIndex] &^= mask
		}
	}
}

func payload64(data [2]uint32) uint64 {
	return uint64(data[0]) | uint64(data[1])<<32
}

func fieldMask(width uint8) uint64 {
	return uint64(1)<<width - 1
}

// motorolaMSB maps a DBC start bit onto the big-endian packed view of the
// payload, where byte 0 occupies bits 63..56.
func motorolaMSB(pos uint8) int {
	return (7-int(pos)/8)*8 + int(pos)%8
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 || startBit < 0 {
		return 0
	}
	mask := uint64(1)<<uint(bitLen) - 1
	if bitLen == 64 {
		mask = ^uint64(0)
	}
	return (payload >> uint(startBit)) & mask
}
