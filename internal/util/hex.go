package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (optionally 0x-prefixed) to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeFixedHex decodes s and checks that it is exactly size bytes long
func DecodeFixedHex(s string, size int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("hex %q is %d bytes, want %d", s, len(b), size)
	}
	return b, nil
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// SwapWords reverses the byte order inside every 4-byte word. Stratum sends
// prevhash as eight big-endian words in little-endian overall order.
func SwapWords(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}

// ParseHexUint32 parses a big-endian 8-character hex word such as nbits or ntime
func ParseHexUint32(s string) (uint32, error) {
	b, err := DecodeFixedHex(s, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// EncodeExtraNonce2 renders counter as exactly size big-endian bytes in hex.
// It fails when the counter does not fit.
func EncodeExtraNonce2(counter uint64, size int) (string, error) {
	if size <= 0 || size > 8 {
		return "", fmt.Errorf("unsupported extranonce2 size %d", size)
	}
	if size < 8 && counter >= uint64(1)<<(8*uint(size)) {
		return "", fmt.Errorf("extranonce2 counter %d overflows %d bytes", counter, size)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	return hex.EncodeToString(buf[8-size:]), nil
}

// DecodeExtraNonce2 parses an extranonce2 hex value of exactly size bytes
func DecodeExtraNonce2(s string, size int) (uint64, error) {
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("unsupported extranonce2 size %d", size)
	}
	b, err := DecodeFixedHex(s, size)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[8-size:], b)
	return binary.BigEndian.Uint64(buf[:]), nil
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	_, err := HexToBytes(s)
	return err == nil
}
