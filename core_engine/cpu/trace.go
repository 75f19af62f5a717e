package cpu

// Translation cache: maps (physical EIP, state hash) to a decoded trace,
// a flat list of micro-operations ending at the first control-flow
// boundary or page end, per the "trace never crosses a page boundary"
// invariant (original_source exposes no equivalent structure directly;
// this is the trace-cache discipline cpuapi.h's cpu_run/cpu_get_exit_reason
// contract implies and the decoded-ops-with-length shape callers build
// around). A trace is invalidated wholesale by an MMU TLB flush
// (CR3/CR4/CR0.PG writes) and per-page by the SMC shadow bitmap.

const maxOpsPerTrace = 64

type traceKey struct {
	physEIP   uint32
	stateHash uint8
}

// microOp.exec returns (jumped, err). jumped means the op already
// installed an absolute EIP (branch/call/ret/int/iret) and execTrace must
// not additionally advance EIP by len.
type microOp struct {
	exec func(c *CPU) (bool, error)
	len  uint32 // bytes consumed, to advance EIP on completion when not jumped
}

type trace struct {
	ops      []microOp
	pageBase uint32 // physical page this trace was decoded from
}

func (c *CPU) lookupTrace() *trace {
	key := traceKey{physEIP: c.physEIP, stateHash: c.stateHash}
	if tr, ok := c.traces[key]; ok {
		return tr
	}
	tr := c.decodeTrace()
	c.traces[key] = tr
	c.mmu.MarkSMC(c.physEIP &^ 0xFFF)
	return tr
}

// InvalidatePage drops every cached trace whose physical EIP lies inside
// the given physical page (called after a write that the MMU's SMC
// bitmap flags; a PAM shadow-RAM permission change does not call it).
func (c *CPU) InvalidatePage(physPage uint32) {
	for k, tr := range c.traces {
		if tr.pageBase == physPage {
			delete(c.traces, k)
		}
	}
}

// InvalidateAllTraces drops the entire cache (used as the mmu flush
// callback passed to mmu.New).
func (c *CPU) InvalidateAllTraces() {
	c.traces = make(map[traceKey]*trace)
}

func (c *CPU) decodeTrace() *trace {
	tr := &trace{pageBase: c.physEIP &^ 0xFFF}
	phys := c.physEIP
	linear := c.linearEIP
	for len(tr.ops) < maxOpsPerTrace {
		op, length, boundary, err := c.decodeOne(phys, linear)
		if err != nil {
			tr.ops = append(tr.ops, microOp{exec: func(c *CPU) (bool, error) { return false, err }, len: 0})
			break
		}
		tr.ops = append(tr.ops, op)
		phys += length
		linear += length
		if boundary || (phys&0xFFF) == 0 {
			break
		}
	}
	return tr
}

// execTrace runs every op in the trace in order, stopping (and rewinding
// EIP to the faulting instruction's boundary) if one raises a fault.
// Returns the number of cycles charged (one per executed op, a simplified
// stand-in for real per-instruction timing).
func (c *CPU) execTrace(tr *trace) int64 {
	var executed int64
	for _, op := range tr.ops {
		before := c.eip
		jumped, err := op.exec(c)
		if err != nil {
			c.handleFault(err, before)
			return executed + 1
		}
		if !jumped {
			c.eip += op.len
		}
		executed++
		if c.fastReturn || c.halted {
			break
		}
	}
	c.syncEIP()
	return executed
}

func (c *CPU) handleFault(err error, atEIP uint32) {
	c.eip = atEIP
	switch e := err.(type) {
	case *PageFault:
		c.cr2 = e.Addr
		c.raiseException(14, true, e.Code)
	case *GeneralProtectionFault:
		c.raiseException(13, true, 0)
	case *undefinedOpcode:
		c.raiseException(6, false, 0)
	default:
		c.raiseException(13, true, 0)
	}
}

// raiseException vectors into the real-mode interrupt table (protected
// mode IDT gate walking is out of scope for this trace interpreter; real
// mode's flat vector*4 table is implemented directly, matching the
// bring-up path every guest boot starts on before installing its own
// IDT).
func (c *CPU) raiseException(vector uint8, hasErrorCode bool, errorCode uint32) {
	c.deliverInterrupt(vector, hasErrorCode, errorCode)
}

func (c *CPU) deliverInterrupt(vector uint8, hasErrorCode bool, errorCode uint32) {
	flags := c.Flags()
	c.pushWord(uint16(flags))
	c.pushWord(c.segs[SegCS].Selector)
	c.pushWord(uint16(c.eip))
	if hasErrorCode {
		c.pushWord(uint16(errorCode))
	}
	c.SetFlags(flags &^ (flagIF | flagTF))

	vecAddr := uint32(vector) * 4
	ip := uint32(c.readMem16(vecAddr))
	cs := uint16(c.readMem16(vecAddr + 2))
	c.segs[SegCS] = Segment{Selector: cs, Base: uint32(cs) << 4, Limit: 0xFFFF}
	c.eip = ip
	c.syncEIP()
}

func (c *CPU) readMem16(linear uint32) uint16 {
	v, _ := c.Read16(linear, accessKindData)
	return v
}

func (c *CPU) pushWord(v uint16) {
	sp := uint16(c.regs[4])
	sp -= 2
	c.regs[4] = uint32(sp) | (c.regs[4] &^ 0xFFFF)
	addr := c.segs[SegSS].Base + uint32(sp)
	c.Write16(addr, v)
}

func (c *CPU) popWord() uint16 {
	sp := uint16(c.regs[4])
	addr := c.segs[SegSS].Base + uint32(sp)
	v, _ := c.Read16(addr, accessKindStack)
	sp += 2
	c.regs[4] = uint32(sp) | (c.regs[4] &^ 0xFFFF)
	return v
}
