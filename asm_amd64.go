//go:build amd64

package hotpatch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeJMPrel  = 0xe9 // JMP rel32
	opcodeGrp5    = 0xff // group 5: JMP/CALL r/m
	modrmJMPrip   = 0x25 // ModRM for JMP [RIP+disp32]
	opcodeNOP     = 0x90
	opcodeINT3    = 0xcc

	relJumpLen = 5  // 1 byte opcode + 4 byte displacement
	absJumpLen = 14 // FF 25 00000000 followed by the 8-byte destination
)

// rel32 computes the displacement stored in a 5-byte relative jump or call
// at src landing on dst. Fails if the distance does not fit in a signed 32
// bits; the caller must fall back to the absolute form through a stub.
func rel32(src, dst uintptr) (int32, error) {
	diff := int64(dst) - int64(src+relJumpLen)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return 0, fmt.Errorf("%#x is out of relative range from %#x", dst, src)
	}
	return int32(diff), nil
}

// encodeRel5 builds the 5-byte E9/E8 instruction that, executed at src,
// transfers control to dst.
func encodeRel5(opcode byte, src, dst uintptr) ([]byte, error) {
	disp, err := rel32(src, dst)
	if err != nil {
		return nil, err
	}

	code := make([]byte, relJumpLen)
	code[0] = opcode
	binary.LittleEndian.PutUint32(code[1:], uint32(disp))
	return code, nil
}

// encodeAbs14 builds the absolute form used inside trampoline stubs:
// JMP [RIP+0] with the 8-byte destination placed directly after the
// instruction. A CALL landing on this stub still calls dst, because the
// return address was already pushed at the call site before the indirect
// jump runs.
func encodeAbs14(dst uintptr) []byte {
	code := make([]byte, absJumpLen)
	code[0] = opcodeGrp5
	code[1] = modrmJMPrip
	binary.LittleEndian.PutUint64(code[6:], uint64(dst))
	return code
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
