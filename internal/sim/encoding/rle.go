package encoding

import (
	"encoding/binary"
	"fmt"
)

// AppendRLE appends ids as uvarint (value, run) pairs.
func AppendRLE(dst []byte, ids []uint16) []byte {
	for i := 0; i < len(ids); {
		v := ids[i]
		run := 1
		for i+run < len(ids) && ids[i+run] == v {
			run++
		}
		dst = binary.AppendUvarint(dst, uint64(v))
		dst = binary.AppendUvarint(dst, uint64(run))
		i += run
	}
	return dst
}

// DecodeRLE expands raw into exactly want ids.
func DecodeRLE(raw []byte, want int) ([]uint16, error) {
	out := make([]uint16, 0, want)
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("rle: bad value varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("rle: bad run varint at %d", i)
		}
		i += n
		if v > 0xFFFF {
			return nil, fmt.Errorf("rle: id too large: %d", v)
		}
		if run == 0 || run > uint64(want-len(out)) {
			return nil, fmt.Errorf("rle: run %d overflows %d ids", run, want)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(v))
		}
	}
	if len(out) != want {
		return nil, fmt.Errorf("rle: decoded %d ids, want %d", len(out), want)
	}
	return out, nil
}
