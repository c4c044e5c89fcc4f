package encoding

import "testing"

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]uint16, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	enc := AppendRLE(nil, in)
	out, err := DecodeRLE(enc, len(in))
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestRLE_Compresses(t *testing.T) {
	in := make([]uint16, 16*16*384)
	enc := AppendRLE(nil, in)
	if len(enc) > 8 {
		t.Fatalf("uniform column encoded to %d bytes", len(enc))
	}
}

func TestRLE_LengthChecked(t *testing.T) {
	enc := AppendRLE(nil, []uint16{4, 4, 4})
	if _, err := DecodeRLE(enc, 2); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := DecodeRLE(enc, 5); err == nil {
		t.Fatalf("expected short error")
	}
	if _, err := DecodeRLE([]byte{0x80}, 1); err == nil {
		t.Fatalf("expected varint error")
	}
}
