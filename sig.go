package hotpatch

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Signature pins the code bytes a patch expects at its target, so that a
// host update which moved or changed the code is caught before anything is
// rewritten. The text form is hex bytes separated by spaces, with ?
// matching any byte:
//
//	"e8 ? ? ? ? 48 8b f8"
type Signature struct {
	ops []int16 // 0..255 expected byte, -1 wildcard
}

// ParseSignature parses the text form of a signature.
func ParseSignature(s string) (Signature, error) {
	fields := strings.Fields(s)
	ops := make([]int16, 0, len(fields))
	for _, f := range fields {
		if f == "?" {
			ops = append(ops, -1)
			continue
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Signature{}, fmt.Errorf("signature byte %q: %w", f, err)
		}
		ops = append(ops, int16(b))
	}
	return Signature{ops: ops}, nil
}

// MustSignature is ParseSignature for signature literals in patch tables.
func MustSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// Len is the number of bytes the signature covers.
func (s Signature) Len() int {
	return len(s.ops)
}

// Check compares the signature against live memory at addr. The error
// carries the bytes actually found, for the failure report.
func (s Signature) Check(addr uintptr) error {
	if len(s.ops) == 0 {
		return nil
	}

	found := readBytes(addr, len(s.ops))
	diff := 0
	for i, op := range s.ops {
		if op >= 0 && byte(op) != found[i] {
			diff++
		}
	}
	if diff > 0 {
		return fmt.Errorf("%d of %d signature bytes differ at %#x, found %s",
			diff, len(s.ops), addr, hex.EncodeToString(found))
	}
	return nil
}

func (s Signature) String() string {
	var b strings.Builder
	for i, op := range s.ops {
		if i > 0 {
			b.WriteByte(' ')
		}
		if op < 0 {
			b.WriteByte('?')
		} else {
			fmt.Fprintf(&b, "%02x", op)
		}
	}
	return b.String()
}
