package utils

import "hash/crc32"

// CRC32 is the reflected IEEE CRC-32 (poly 0xEDB88320, init and final xor
// 0xFFFFFFFF). Running it over little-endian words gives the same result as
// the word-wise variant used by older firmware images.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// CRC8 is a bitwise MSB-first CRC-8 with configurable init and polynomial.
func CRC8(data []byte, init, polynomial uint8) uint8 {
	crc := init
	for _, b := range data {
		crc ^= b
		for bit := 0; bit < 8; bit++ {
			msb := crc&0x80 != 0
			crc <<= 1
			if msb {
				crc ^= polynomial
			}
		}
	}
	return crc
}
