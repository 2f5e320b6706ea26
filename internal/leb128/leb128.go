// Package leb128 decodes the LEB128 variable-length integer encoding used
// throughout the WebAssembly binary format.
package leb128

import (
	"errors"
	"fmt"
	"io"
)

// ErrOverflow is returned when a LEB128 sequence uses more bytes than the
// target width permits (5 for 32-bit values, 10 for 64-bit values), per the
// WebAssembly binary format's bounded encoding rule.
var ErrOverflow = errors.New("leb128: overlong encoding")

// DecodeUint32 decodes an unsigned 32-bit LEB128 value, failing on EOF or an
// encoding longer than 5 bytes.
func DecodeUint32(r io.ByteReader) (ret uint32, n uint64, err error) {
	const mask, mask2 = uint32(1) << 7, ^(uint32(1) << 7)
	for shift := 0; ; shift += 7 {
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		n++
		ret |= (uint32(b) & mask2) << shift
		if uint32(b)&mask == 0 {
			return ret, n, nil
		}
	}
}

// DecodeUint64 decodes an unsigned 64-bit LEB128 value, failing on EOF or an
// encoding longer than 10 bytes.
func DecodeUint64(r io.ByteReader) (ret uint64, n uint64, err error) {
	const mask, mask2 = uint64(1) << 7, ^(uint64(1) << 7)
	for shift := 0; ; shift += 7 {
		if shift >= 70 {
			return 0, 0, ErrOverflow
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		n++
		ret |= (uint64(b) & mask2) << shift
		if uint64(b)&mask == 0 {
			return ret, n, nil
		}
	}
}

// DecodeInt32 decodes a signed 32-bit LEB128 value with sign-bit extension.
func DecodeInt32(r io.ByteReader) (ret int32, n uint64, err error) {
	const mask, mask2, signBit = int32(1) << 7, ^(int32(1) << 7), int32(1) << 6
	var shift uint
	var b int32
	for {
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
		raw, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		b = int32(raw)
		n++
		ret |= (b & mask2) << shift
		shift += 7
		if b&mask == 0 {
			break
		}
	}
	if shift < 32 && b&signBit != 0 {
		ret |= ^int32(0) << shift
	}
	return ret, n, nil
}

// DecodeInt64 decodes a signed 64-bit LEB128 value with sign-bit extension.
func DecodeInt64(r io.ByteReader) (ret int64, n uint64, err error) {
	const mask, mask2, signBit = int64(1) << 7, ^(int64(1) << 7), int64(1) << 6
	var shift uint
	var b int64
	for {
		if shift >= 70 {
			return 0, 0, ErrOverflow
		}
		raw, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		b = int64(raw)
		n++
		ret |= (b & mask2) << shift
		shift += 7
		if b&mask == 0 {
			break
		}
	}
	if shift < 64 && b&signBit != 0 {
		ret |= ^int64(0) << shift
	}
	return ret, n, nil
}

// DecodeInt33AsInt64 decodes a signed 33-bit LEB128 value (used for block
// type immediates, which index either a value type or a function type) and
// sign-extends it into an int64.
func DecodeInt33AsInt64(r io.ByteReader) (ret int64, n uint64, err error) {
	const (
		mask, mask2 = int64(1) << 7, ^(int64(1) << 7)
		signBit     = int64(1) << 6
		bit33       = int64(1) << 32
		mod33       = int64(1) << 33
	)
	var shift uint
	var b int64
	for {
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
		raw, err := r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		b = int64(raw)
		n++
		ret |= (b & mask2) << shift
		shift += 7
		if b&mask == 0 {
			break
		}
	}
	if shift < 33 && b&signBit != 0 {
		ret |= ^int64(0) << shift
	}
	ret &= mod33 - 1
	if ret&bit33 != 0 {
		ret -= mod33
	}
	return ret, n, nil
}
