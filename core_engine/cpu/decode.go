package cpu

// Instruction decode and execution. Coverage is the instruction set
// needed to demonstrate the trace-cache architecture end to end (data
// movement, the eight-way ALU group, control flow, stack, port I/O,
// interrupts) rather than the full IA-32 ISA: no SIB-byte addressing, no
// operand-size override (0x66/0x67), no x87/MMX/SSE opcodes (those sit
// behind the external softfloat collaborator this core treats as given),
// and no far call/jmp. Every unrecognized opcode raises #UD (vector 6),
// so an unimplemented instruction faults cleanly instead of silently
// misbehaving.
//
// Grounded on the general decode-then-interpret shape original_source's
// cpu_run implies (cpuapi.h's cpu_run/cpu_get_exit_reason contract) and
// standard IA-32 opcode-map encodings for the instructions covered.

type undefinedOpcode struct{ opcode uint8 }

func (e *undefinedOpcode) Error() string { return "invalid opcode" }

type modrm struct {
	isReg   bool
	reg     int
	regF    int // the /reg field, used both as a register operand and an opcode-group selector
	baseReg int // -1 if none
	disp    uint32
}

func (m modrm) linearAddr(c *CPU) uint32 {
	var base uint32
	if m.baseReg >= 0 {
		base = c.regs[m.baseReg]
	}
	return c.segs[SegDS].Base + base + m.disp
}

// decodeModRM reads the ModRM byte (and any displacement) starting at
// phys, returning the decoded operand and the number of bytes consumed.
func (c *CPU) decodeModRM(phys uint32) (modrm, uint32) {
	b := c.fetchByte(phys)
	mod := b >> 6
	reg := int((b >> 3) & 7)
	rm := int(b & 7)
	if mod == 3 {
		return modrm{isReg: true, reg: rm, regF: reg}, 1
	}
	m := modrm{regF: reg, baseReg: rm}
	consumed := uint32(1)
	switch mod {
	case 0:
		if rm == 5 {
			m.baseReg = -1
			m.disp = c.fetch32(phys + 1)
			consumed += 4
		}
	case 1:
		d := c.fetchByte(phys + 1)
		m.disp = uint32(int32(int8(d)))
		consumed++
	case 2:
		m.disp = c.fetch32(phys + 1)
		consumed += 4
	}
	return m, consumed
}

func getReg8(c *CPU, i int) uint8 {
	if i < 4 {
		return uint8(c.regs[i])
	}
	return uint8(c.regs[i-4] >> 8)
}

func setReg8(c *CPU, i int, v uint8) {
	if i < 4 {
		c.regs[i] = c.regs[i]&0xFFFFFF00 | uint32(v)
	} else {
		c.regs[i-4] = c.regs[i-4]&0xFFFF00FF | uint32(v)<<8
	}
}

func (c *CPU) getOperand(m modrm, w width) uint32 {
	if m.isReg {
		if w == width8 {
			return uint32(getReg8(c, m.reg))
		}
		return c.regs[m.reg] & mask(w)
	}
	addr := m.linearAddr(c)
	if w == width8 {
		v, _ := c.Read8(addr, accessKindData)
		return uint32(v)
	}
	v, _ := c.Read32(addr, accessKindData)
	return v
}

func (c *CPU) setOperand(m modrm, w width, v uint32) {
	if m.isReg {
		if w == width8 {
			setReg8(c, m.reg, uint8(v))
		} else {
			c.regs[m.reg] = v
		}
		return
	}
	addr := m.linearAddr(c)
	if w == width8 {
		c.Write8(addr, uint8(v))
	} else {
		c.Write32(addr, v)
	}
}

func (c *CPU) aluCompute(kind opKind, dst, src uint32, w width, withCarry bool) uint32 {
	m := mask(w)
	var result uint32
	switch kind {
	case opAdd:
		carry := uint32(0)
		if withCarry && c.Flags()&flagCF != 0 {
			carry = 1
		}
		result = (dst + src + carry) & m
	case opSub:
		borrow := uint32(0)
		if withCarry && c.Flags()&flagCF != 0 {
			borrow = 1
		}
		result = (dst - src - borrow) & m
	case opAnd:
		result = dst & src & m
	case opOr:
		result = (dst | src) & m
	case opXor:
		result = (dst ^ src) & m
	}
	return result
}

func (c *CPU) doALU(kind opKind, withCarry bool, m modrm, w width, srcVal uint32, store bool) {
	dst := c.getOperand(m, w)
	result := c.aluCompute(kind, dst, srcVal, w, withCarry)
	c.setLazy(kind, w, dst, srcVal, result)
	if store {
		c.setOperand(m, w, result)
	}
}

// decodeOne decodes a single instruction starting at the given physical
// (and matching linear) address, returning a microOp that executes it, the
// instruction's length in bytes, and whether it is a control-flow
// boundary (trace must stop after it).
func (c *CPU) decodeOne(phys, linear uint32) (microOp, uint32, bool, error) {
	opcode := c.fetchByte(phys)

	aluRow := func(row uint8) (opKind, bool) {
		kinds := []opKind{opAdd, opOr, opAdd, opSub, opAnd, opSub, opXor, opSub}
		carries := []bool{false, false, true, true, false, false, false, false}
		idx := row
		return kinds[idx], carries[idx]
	}

	switch {
	case opcode <= 0x3D && opcode&7 <= 5 && (opcode&0xC0) == 0 && opcode != 0x06 && opcode != 0x07 && opcode != 0x0E && opcode != 0x0F && opcode != 0x16 && opcode != 0x17 && opcode != 0x1E && opcode != 0x1F && opcode != 0x26 && opcode != 0x2E && opcode != 0x36 && opcode != 0x3E:
		row := opcode >> 3
		form := opcode & 7
		kind, carry := aluRow(row)
		isCmp := row == 7
		switch form {
		case 0, 1: // r/m, r (8/32)
			w := width32
			if form == 0 {
				w = width8
			}
			m, n := c.decodeModRM(phys + 1)
			length := 1 + n
			return microOp{len: length, exec: func(c *CPU) (bool, error) {
				src := c.getOperand(modrm{isReg: true, reg: m.regF}, w)
				c.doALU(kind, carry, m, w, src, !isCmp)
				return false, nil
			}}, length, false, nil
		case 2, 3: // r, r/m (8/32)
			w := width32
			if form == 2 {
				w = width8
			}
			m, n := c.decodeModRM(phys + 1)
			length := 1 + n
			return microOp{len: length, exec: func(c *CPU) (bool, error) {
				src := c.getOperand(m, w)
				dstOperand := modrm{isReg: true, reg: m.regF}
				c.doALU(kind, carry, dstOperand, w, src, !isCmp)
				return false, nil
			}}, length, false, nil
		case 4: // AL, imm8
			imm := c.fetchByte(phys + 1)
			length := uint32(2)
			return microOp{len: length, exec: func(c *CPU) (bool, error) {
				c.doALU(kind, carry, modrm{isReg: true, reg: 0}, width8, uint32(imm), !isCmp)
				return false, nil
			}}, length, false, nil
		case 5: // eAX, imm32
			imm := c.fetch32(phys + 1)
			length := uint32(5)
			return microOp{len: length, exec: func(c *CPU) (bool, error) {
				c.doALU(kind, carry, modrm{isReg: true, reg: 0}, width32, imm, !isCmp)
				return false, nil
			}}, length, false, nil
		}

	case opcode >= 0x40 && opcode <= 0x47: // INC r32
		r := int(opcode - 0x40)
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			dst := c.regs[r]
			res := (dst + 1) & mask(width32)
			c.setLazy(opInc, width32, dst, 1, res)
			c.regs[r] = res
			return false, nil
		}}, 1, false, nil

	case opcode >= 0x48 && opcode <= 0x4F: // DEC r32
		r := int(opcode - 0x48)
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			dst := c.regs[r]
			res := (dst - 1) & mask(width32)
			c.setLazy(opDec, width32, dst, 1, res)
			c.regs[r] = res
			return false, nil
		}}, 1, false, nil

	case opcode >= 0x50 && opcode <= 0x57: // PUSH r32
		r := int(opcode - 0x50)
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.pushDword(c.regs[r])
			return false, nil
		}}, 1, false, nil

	case opcode >= 0x58 && opcode <= 0x5F: // POP r32
		r := int(opcode - 0x58)
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.regs[r] = c.popDword()
			return false, nil
		}}, 1, false, nil

	case opcode == 0x68: // PUSH imm32
		imm := c.fetch32(phys + 1)
		return microOp{len: 5, exec: func(c *CPU) (bool, error) { c.pushDword(imm); return false, nil }}, 5, false, nil

	case opcode == 0x6A: // PUSH imm8 (sign-extended)
		imm := uint32(int32(int8(c.fetchByte(phys + 1))))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) { c.pushDword(imm); return false, nil }}, 2, false, nil

	case opcode >= 0x70 && opcode <= 0x7F: // Jcc rel8
		cond := opcode & 0xF
		rel := int32(int8(c.fetchByte(phys + 1)))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			if c.testCond(cond) {
				c.eip = uint32(int32(c.eip+2) + rel)
			} else {
				c.eip += 2
			}
			return true, nil
		}}, 2, true, nil

	case opcode == 0x80 || opcode == 0x81 || opcode == 0x83:
		w := width32
		if opcode == 0x80 {
			w = width8
		}
		m, n := c.decodeModRM(phys + 1)
		var imm uint32
		var immLen uint32
		switch opcode {
		case 0x80:
			imm = uint32(c.fetchByte(phys + 1 + n))
			immLen = 1
		case 0x81:
			imm = c.fetch32(phys + 1 + n)
			immLen = 4
		case 0x83:
			imm = uint32(int32(int8(c.fetchByte(phys + 1 + n))))
			immLen = 1
		}
		length := 1 + n + immLen
		kind, carry := aluRow(uint8(m.regF))
		isCmp := m.regF == 7
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			c.doALU(kind, carry, m, w, imm, !isCmp)
			return false, nil
		}}, length, false, nil

	case opcode == 0x84 || opcode == 0x85: // TEST r/m, r
		w := width32
		if opcode == 0x84 {
			w = width8
		}
		m, n := c.decodeModRM(phys + 1)
		length := 1 + n
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			src := c.getOperand(modrm{isReg: true, reg: m.regF}, w)
			dst := c.getOperand(m, w)
			c.setLazy(opAnd, w, dst, src, dst&src&mask(w))
			return false, nil
		}}, length, false, nil

	case opcode == 0x88 || opcode == 0x89 || opcode == 0x8A || opcode == 0x8B: // MOV
		w := width32
		if opcode == 0x88 || opcode == 0x8A {
			w = width8
		}
		toMemFromReg := opcode == 0x88 || opcode == 0x89
		m, n := c.decodeModRM(phys + 1)
		length := 1 + n
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			if toMemFromReg {
				src := c.getOperand(modrm{isReg: true, reg: m.regF}, w)
				c.setOperand(m, w, src)
			} else {
				src := c.getOperand(m, w)
				c.setOperand(modrm{isReg: true, reg: m.regF}, w, src)
			}
			return false, nil
		}}, length, false, nil

	case opcode == 0x8D: // LEA r32, m
		m, n := c.decodeModRM(phys + 1)
		length := 1 + n
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			c.regs[m.regF] = m.linearAddr(c) - c.segs[SegDS].Base
			return false, nil
		}}, length, false, nil

	case opcode == 0x90: // NOP
		return microOp{len: 1, exec: func(c *CPU) (bool, error) { return false, nil }}, 1, false, nil

	case opcode >= 0xB0 && opcode <= 0xB7: // MOV r8, imm8
		r := int(opcode - 0xB0)
		imm := c.fetchByte(phys + 1)
		return microOp{len: 2, exec: func(c *CPU) (bool, error) { setReg8(c, r, imm); return false, nil }}, 2, false, nil

	case opcode >= 0xB8 && opcode <= 0xBF: // MOV r32, imm32
		r := int(opcode - 0xB8)
		imm := c.fetch32(phys + 1)
		return microOp{len: 5, exec: func(c *CPU) (bool, error) { c.regs[r] = imm; return false, nil }}, 5, false, nil

	case opcode == 0xC3: // RET
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.eip = c.popDword()
			return true, nil
		}}, 1, true, nil

	case opcode == 0xC6: // MOV r/m8, imm8
		m, n := c.decodeModRM(phys + 1)
		imm := c.fetchByte(phys + 1 + n)
		length := 1 + n + 1
		return microOp{len: length, exec: func(c *CPU) (bool, error) { c.setOperand(m, width8, uint32(imm)); return false, nil }}, length, false, nil

	case opcode == 0xC7: // MOV r/m32, imm32
		m, n := c.decodeModRM(phys + 1)
		imm := c.fetch32(phys + 1 + n)
		length := 1 + n + 4
		return microOp{len: length, exec: func(c *CPU) (bool, error) { c.setOperand(m, width32, imm); return false, nil }}, length, false, nil

	case opcode == 0xCD: // INT imm8
		vector := c.fetchByte(phys + 1)
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			c.eip += 2 // return address points past the INT instruction
			c.deliverInterrupt(vector, false, 0)
			return true, nil
		}}, 2, true, nil

	case opcode == 0xCF: // IRET
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			ip := c.popWord()
			cs := c.popWord()
			fl := c.popWord()
			c.segs[SegCS] = Segment{Selector: cs, Base: uint32(cs) << 4, Limit: 0xFFFF}
			c.eip = uint32(ip)
			c.SetFlags(uint32(fl))
			return true, nil
		}}, 1, true, nil

	case opcode == 0xE4: // IN AL, imm8
		port := uint16(c.fetchByte(phys + 1))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			setReg8(c, 0, uint8(c.bus.ReadPort(port, 1)))
			return false, nil
		}}, 2, false, nil

	case opcode == 0xE5: // IN eAX, imm8
		port := uint16(c.fetchByte(phys + 1))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			c.regs[0] = c.bus.ReadPort(port, 4)
			return false, nil
		}}, 2, false, nil

	case opcode == 0xE6: // OUT imm8, AL
		port := uint16(c.fetchByte(phys + 1))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			c.bus.WritePort(port, 1, uint32(getReg8(c, 0)))
			return false, nil
		}}, 2, false, nil

	case opcode == 0xE7: // OUT imm8, eAX
		port := uint16(c.fetchByte(phys + 1))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			c.bus.WritePort(port, 4, c.regs[0])
			return false, nil
		}}, 2, false, nil

	case opcode == 0xE8: // CALL rel32
		rel := int32(c.fetch32(phys + 1))
		return microOp{len: 5, exec: func(c *CPU) (bool, error) {
			ret := c.eip + 5
			c.pushDword(ret)
			c.eip = uint32(int32(ret) + rel)
			return true, nil
		}}, 5, true, nil

	case opcode == 0xE9: // JMP rel32
		rel := int32(c.fetch32(phys + 1))
		return microOp{len: 5, exec: func(c *CPU) (bool, error) {
			c.eip = uint32(int32(c.eip+5) + rel)
			return true, nil
		}}, 5, true, nil

	case opcode == 0xEB: // JMP rel8
		rel := int32(int8(c.fetchByte(phys + 1)))
		return microOp{len: 2, exec: func(c *CPU) (bool, error) {
			c.eip = uint32(int32(c.eip+2) + rel)
			return true, nil
		}}, 2, true, nil

	case opcode == 0xEC: // IN AL, DX
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			setReg8(c, 0, uint8(c.bus.ReadPort(uint16(c.regs[2]), 1)))
			return false, nil
		}}, 1, false, nil

	case opcode == 0xED: // IN eAX, DX
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.regs[0] = c.bus.ReadPort(uint16(c.regs[2]), 4)
			return false, nil
		}}, 1, false, nil

	case opcode == 0xEE: // OUT DX, AL
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.bus.WritePort(uint16(c.regs[2]), 1, uint32(getReg8(c, 0)))
			return false, nil
		}}, 1, false, nil

	case opcode == 0xEF: // OUT DX, eAX
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.bus.WritePort(uint16(c.regs[2]), 4, c.regs[0])
			return false, nil
		}}, 1, false, nil

	case opcode == 0xF4: // HLT
		return microOp{len: 1, exec: func(c *CPU) (bool, error) {
			c.Halt()
			return false, nil
		}}, 1, true, nil

	case opcode == 0xFA: // CLI
		return microOp{len: 1, exec: func(c *CPU) (bool, error) { c.SetFlags(c.Flags() &^ flagIF); return false, nil }}, 1, false, nil

	case opcode == 0xFB: // STI
		return microOp{len: 1, exec: func(c *CPU) (bool, error) { c.SetFlags(c.Flags() | flagIF); return false, nil }}, 1, false, nil

	case opcode == 0xFC: // CLD
		return microOp{len: 1, exec: func(c *CPU) (bool, error) { c.SetFlags(c.Flags() &^ flagDF); return false, nil }}, 1, false, nil

	case opcode == 0xFD: // STD
		return microOp{len: 1, exec: func(c *CPU) (bool, error) { c.SetFlags(c.Flags() | flagDF); return false, nil }}, 1, false, nil

	case opcode == 0xFE: // INC/DEC r/m8
		m, n := c.decodeModRM(phys + 1)
		length := 1 + n
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			dst := c.getOperand(m, width8)
			if m.regF == 0 {
				res := (dst + 1) & 0xFF
				c.setLazy(opInc, width8, dst, 1, res)
				c.setOperand(m, width8, res)
			} else {
				res := (dst - 1) & 0xFF
				c.setLazy(opDec, width8, dst, 1, res)
				c.setOperand(m, width8, res)
			}
			return false, nil
		}}, length, false, nil

	case opcode == 0xFF: // INC/DEC/PUSH r/m32 (group selected by /reg)
		m, n := c.decodeModRM(phys + 1)
		length := 1 + n
		return microOp{len: length, exec: func(c *CPU) (bool, error) {
			switch m.regF {
			case 0:
				dst := c.getOperand(m, width32)
				res := (dst + 1) & mask(width32)
				c.setLazy(opInc, width32, dst, 1, res)
				c.setOperand(m, width32, res)
			case 1:
				dst := c.getOperand(m, width32)
				res := (dst - 1) & mask(width32)
				c.setLazy(opDec, width32, dst, 1, res)
				c.setOperand(m, width32, res)
			case 6:
				c.pushDword(c.getOperand(m, width32))
			default:
				return false, &undefinedOpcode{opcode: opcode}
			}
			return false, nil
		}}, length, false, nil
	}

	return microOp{}, 1, true, &undefinedOpcode{opcode: opcode}
}

func (c *CPU) testCond(cond uint8) bool {
	flags := c.Flags()
	cf := flags&flagCF != 0
	zf := flags&flagZF != 0
	sf := flags&flagSF != 0
	of := flags&flagOF != 0
	pf := flags&flagPF != 0
	switch cond {
	case 0x0: // JO
		return of
	case 0x1: // JNO
		return !of
	case 0x2: // JB/JC
		return cf
	case 0x3: // JAE/JNC
		return !cf
	case 0x4: // JE/JZ
		return zf
	case 0x5: // JNE/JNZ
		return !zf
	case 0x6: // JBE
		return cf || zf
	case 0x7: // JA
		return !cf && !zf
	case 0x8: // JS
		return sf
	case 0x9: // JNS
		return !sf
	case 0xA: // JP
		return pf
	case 0xB: // JNP
		return !pf
	case 0xC: // JL
		return sf != of
	case 0xD: // JGE
		return sf == of
	case 0xE: // JLE
		return zf || sf != of
	case 0xF: // JG
		return !zf && sf == of
	}
	return false
}

func (c *CPU) pushDword(v uint32) {
	sp := c.regs[4] - 4
	c.regs[4] = sp
	c.Write32(c.segs[SegSS].Base+sp, v)
}

func (c *CPU) popDword() uint32 {
	sp := c.regs[4]
	v, _ := c.Read32(c.segs[SegSS].Base+sp, accessKindStack)
	c.regs[4] = sp + 4
	return v
}
