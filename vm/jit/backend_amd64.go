//go:build amd64

package jit

import (
	"fmt"

	"stackvm/vm"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

/*
	Register convention, grounded on wagon's amd64 backend
	(exec/internal/compile/backend_amd64.go) but adapted to this VM's
	3-pointer calling convention instead of wagon's stack+locals pair.
	g (R14) and the runtime's other reserved registers are never touched.

	Persistent for the whole function:
		R10 - *[]int32 operand stack slice header
		R11 - *[]int32 linear memory slice header
		R9  - *[]int32 control slice header (flag, trap code, trap pc)
	Scratch (clobbered freely per template):
		AX, BX, CX, DX, R8, R12, R13
*/

func assembleNative(image []byte, memoryWords int) ([]byte, error) {
	builder, err := asm.NewBuilder("amd64", 128)
	if err != nil {
		return nil, err
	}

	b := &backend{builder: builder, progAt: map[int]*obj.Prog{}, memoryWords: memoryWords}
	if err := b.build(image); err != nil {
		return nil, err
	}
	return builder.Assemble(), nil
}

type backend struct {
	builder     *asm.Builder
	progAt      map[int]*obj.Prog // bytecode address -> entry Prog for that instruction
	memoryWords int
	// fixups are branch instructions emitted before their target address
	// was reached; resolved once the whole image has been scanned.
	fixups []fixup
	// trapSites are conditional jumps that fault; the actual "record pc,
	// jump to shared epilogue" block is built lazily, after all real
	// bytecode, so it is never reached by fallthrough.
	trapSites []trapSite

	trapUnderflow *obj.Prog
	trapOverflow  *obj.Prog
	trapDivZero   *obj.Prog
}

type fixup struct {
	prog   *obj.Prog
	target int
}

type trapSite struct {
	jump   *obj.Prog
	shared *obj.Prog
	pc     int
}

func (b *backend) prog() *obj.Prog {
	return b.builder.NewProg()
}

func (b *backend) add(p *obj.Prog) {
	b.builder.AddInstruction(p)
}

func (b *backend) build(image []byte) error {
	b.emitTrapBlocks()

	pc := 0
	for pc < len(image) {
		code, imm, next, err := vm.Decode(image, pc)
		if err != nil {
			return fmt.Errorf("%w: %v at pc=%d", ErrUnsupportedOpcode, err, pc)
		}

		entry := b.prog()
		entry.As = obj.ANOP
		b.add(entry)
		b.progAt[pc] = entry

		switch code {
		case vm.Push:
			b.emitPushImm(imm, pc)
		case vm.Pop:
			b.emitStackPop(x86.REG_AX, pc)
		case vm.Dup:
			b.emitDup(pc)
		case vm.Add, vm.Sub, vm.Mul, vm.Div:
			if err := b.emitBinary(code, pc); err != nil {
				return err
			}
		case vm.Cmp:
			b.emitCmp(pc)
		case vm.Jmp:
			b.fixups = append(b.fixups, fixup{b.emitJump(obj.AJMP), int(imm)})
		case vm.Jz:
			b.emitCondJump(int(imm), true)
		case vm.Jnz:
			b.emitCondJump(int(imm), false)
		case vm.Store:
			if int(imm) < 0 || int(imm) >= b.memoryWords {
				return fmt.Errorf("%w: store address %d out of bounds at pc=%d", ErrUnsupportedOpcode, imm, pc)
			}
			b.emitStackPop(x86.REG_AX, pc)
			b.emitMemStore(int(imm), x86.REG_AX)
		case vm.Load:
			if int(imm) < 0 || int(imm) >= b.memoryWords {
				return fmt.Errorf("%w: load address %d out of bounds at pc=%d", ErrUnsupportedOpcode, imm, pc)
			}
			b.emitMemLoad(int(imm), x86.REG_AX)
			b.emitStackPush(x86.REG_AX, pc)
		case vm.Halt:
			b.emitHalt(pc)
		default:
			return fmt.Errorf("%w: opcode %s at pc=%d", ErrUnsupportedOpcode, code, pc)
		}

		pc = next
	}

	// Fall off the end of the image: treat like an implicit HALT. A jump
	// landing exactly here (the "jmp done\ndone:" idiom with the label at
	// EOF) must resolve the same way the interpreter's branch() does.
	endEntry := b.prog()
	endEntry.As = obj.ANOP
	b.add(endEntry)
	b.progAt[len(image)] = endEntry
	b.emitHalt(len(image))

	// Trap sites and the shared epilogues they jump to are appended last,
	// after every instruction the program can actually fall into, so
	// nothing ever reaches them except an explicit faulting branch.
	b.finalizeTrapSites()
	b.finalizeTrapBlocks()

	for _, f := range b.fixups {
		target, ok := b.progAt[f.target]
		if !ok {
			return fmt.Errorf("%w: jump target %d has no instruction", ErrUnsupportedOpcode, f.target)
		}
		f.prog.To.SetTarget(target)
	}
	return nil
}

// emitTrapBlocks reserves the three shared trap epilogues' entry points so
// earlier templates can reference them with SetTarget; their bodies are
// only appended to the instruction stream by finalizeTrapBlocks, once all
// real bytecode has been emitted.
func (b *backend) emitTrapBlocks() {
	b.trapUnderflow = b.prog()
	b.trapUnderflow.As = obj.ANOP
	b.trapOverflow = b.prog()
	b.trapOverflow.As = obj.ANOP
	b.trapDivZero = b.prog()
	b.trapDivZero.As = obj.ANOP
}

func (b *backend) finalizeTrapBlocks() {
	b.finalizeTrapReturn(b.trapUnderflow, trapStackUnderflow)
	b.finalizeTrapReturn(b.trapOverflow, trapStackOverflow)
	b.finalizeTrapReturn(b.trapDivZero, trapDivisionByZero)
}

func (b *backend) finalizeTrapReturn(entry *obj.Prog, code int) {
	b.add(entry)
	b.emitControlStore(ctrlTrap, int32(code))

	ret := b.prog()
	ret.As = obj.ARET
	b.add(ret)
}

// finalizeTrapSites appends one "record pc, jump to shared epilogue" block
// per faulting branch recorded during template emission, then points that
// branch at it. Deferred to the end of build() for the same reason the
// shared epilogues themselves are: these blocks must never be reachable by
// fallthrough from the instruction that guards them.
func (b *backend) finalizeTrapSites() {
	for _, ts := range b.trapSites {
		site := b.prog()
		site.As = obj.ANOP
		b.add(site)

		b.emitControlStore(ctrlPC, int32(ts.pc))

		jmp := b.prog()
		jmp.As = obj.AJMP
		jmp.To.Type = obj.TYPE_BRANCH
		jmp.To.SetTarget(ts.shared)
		b.add(jmp)

		ts.jump.To.SetTarget(site)
	}
}

// emitControlStore writes a compile-time constant into control[slot].
func (b *backend) emitControlStore(slot int, val int32) {
	mov := b.prog()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_MEM
	mov.From.Reg = x86.REG_R9
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_R12
	b.add(mov)

	store := b.prog()
	store.As = x86.AMOVL
	store.From.Type = obj.TYPE_CONST
	store.From.Offset = int64(val)
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_R12
	store.To.Offset = int64(slot) * 4
	b.add(store)
}

// emitControlStoreReg writes reg into control[slot].
func (b *backend) emitControlStoreReg(slot int, reg int16) {
	mov := b.prog()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_MEM
	mov.From.Reg = x86.REG_R9
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_R12
	b.add(mov)

	store := b.prog()
	store.As = x86.AMOVL
	store.From.Type = obj.TYPE_REG
	store.From.Reg = reg
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_R12
	store.To.Offset = int64(slot) * 4
	b.add(store)
}

// emitStackPush pushes the 32-bit value in reg onto the operand stack,
// trapping on overflow (len == cap).
func (b *backend) emitStackPush(reg int16, pc int) {
	loadLen := b.prog()
	loadLen.As = x86.AMOVQ
	loadLen.From.Type = obj.TYPE_MEM
	loadLen.From.Reg = x86.REG_R10
	loadLen.From.Offset = 8
	loadLen.To.Type = obj.TYPE_REG
	loadLen.To.Reg = x86.REG_R13
	b.add(loadLen)

	loadCap := b.prog()
	loadCap.As = x86.AMOVQ
	loadCap.From.Type = obj.TYPE_MEM
	loadCap.From.Reg = x86.REG_R10
	loadCap.From.Offset = 16
	loadCap.To.Type = obj.TYPE_REG
	loadCap.To.Reg = x86.REG_R8
	b.add(loadCap)

	cmp := b.prog()
	cmp.As = x86.ACMPQ
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = x86.REG_R13
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = x86.REG_R8
	b.add(cmp)

	jge := b.prog()
	jge.As = x86.AJGE
	jge.To.Type = obj.TYPE_BRANCH
	b.add(jge)
	b.trapSites = append(b.trapSites, trapSite{jump: jge, shared: b.trapOverflow, pc: pc})

	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R10
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	addr := b.prog()
	addr.As = x86.ALEAQ
	addr.To.Type = obj.TYPE_REG
	addr.To.Reg = x86.REG_R12
	addr.From.Type = obj.TYPE_MEM
	addr.From.Reg = x86.REG_R12
	addr.From.Scale = 4
	addr.From.Index = x86.REG_R13
	b.add(addr)

	store := b.prog()
	store.As = x86.AMOVL
	store.From.Type = obj.TYPE_REG
	store.From.Reg = reg
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_R12
	b.add(store)

	inc := b.prog()
	inc.As = x86.AADDQ
	inc.From.Type = obj.TYPE_CONST
	inc.From.Offset = 1
	inc.To.Type = obj.TYPE_REG
	inc.To.Reg = x86.REG_R13
	b.add(inc)

	storeLen := b.prog()
	storeLen.As = x86.AMOVQ
	storeLen.From.Type = obj.TYPE_REG
	storeLen.From.Reg = x86.REG_R13
	storeLen.To.Type = obj.TYPE_MEM
	storeLen.To.Reg = x86.REG_R10
	storeLen.To.Offset = 8
	b.add(storeLen)
}

// emitStackPop pops the top 32-bit value into reg, trapping on underflow.
func (b *backend) emitStackPop(reg int16, pc int) {
	loadLen := b.prog()
	loadLen.As = x86.AMOVQ
	loadLen.From.Type = obj.TYPE_MEM
	loadLen.From.Reg = x86.REG_R10
	loadLen.From.Offset = 8
	loadLen.To.Type = obj.TYPE_REG
	loadLen.To.Reg = x86.REG_R13
	b.add(loadLen)

	cmp := b.prog()
	cmp.As = x86.ACMPQ
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = x86.REG_R13
	cmp.To.Type = obj.TYPE_CONST
	cmp.To.Offset = 0
	b.add(cmp)

	jle := b.prog()
	jle.As = x86.AJLE
	jle.To.Type = obj.TYPE_BRANCH
	b.add(jle)
	b.trapSites = append(b.trapSites, trapSite{jump: jle, shared: b.trapUnderflow, pc: pc})

	dec := b.prog()
	dec.As = x86.ASUBQ
	dec.From.Type = obj.TYPE_CONST
	dec.From.Offset = 1
	dec.To.Type = obj.TYPE_REG
	dec.To.Reg = x86.REG_R13
	b.add(dec)

	storeLen := b.prog()
	storeLen.As = x86.AMOVQ
	storeLen.From.Type = obj.TYPE_REG
	storeLen.From.Reg = x86.REG_R13
	storeLen.To.Type = obj.TYPE_MEM
	storeLen.To.Reg = x86.REG_R10
	storeLen.To.Offset = 8
	b.add(storeLen)

	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R10
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	addr := b.prog()
	addr.As = x86.ALEAQ
	addr.To.Type = obj.TYPE_REG
	addr.To.Reg = x86.REG_R12
	addr.From.Type = obj.TYPE_MEM
	addr.From.Reg = x86.REG_R12
	addr.From.Scale = 4
	addr.From.Index = x86.REG_R13
	b.add(addr)

	load := b.prog()
	load.As = x86.AMOVL
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_R12
	load.To.Type = obj.TYPE_REG
	load.To.Reg = reg
	b.add(load)
}

// emitPeek reads the top value without popping it (used by DUP), trapping
// on underflow the same way a POP would.
func (b *backend) emitPeek(reg int16, pc int) {
	loadLen := b.prog()
	loadLen.As = x86.AMOVQ
	loadLen.From.Type = obj.TYPE_MEM
	loadLen.From.Reg = x86.REG_R10
	loadLen.From.Offset = 8
	loadLen.To.Type = obj.TYPE_REG
	loadLen.To.Reg = x86.REG_R13
	b.add(loadLen)

	cmp := b.prog()
	cmp.As = x86.ACMPQ
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = x86.REG_R13
	cmp.To.Type = obj.TYPE_CONST
	cmp.To.Offset = 0
	b.add(cmp)

	jle := b.prog()
	jle.As = x86.AJLE
	jle.To.Type = obj.TYPE_BRANCH
	b.add(jle)
	b.trapSites = append(b.trapSites, trapSite{jump: jle, shared: b.trapUnderflow, pc: pc})

	dec := b.prog()
	dec.As = x86.ASUBQ
	dec.From.Type = obj.TYPE_CONST
	dec.From.Offset = 1
	dec.To.Type = obj.TYPE_REG
	dec.To.Reg = x86.REG_R13
	b.add(dec)

	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R10
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	addr := b.prog()
	addr.As = x86.ALEAQ
	addr.To.Type = obj.TYPE_REG
	addr.To.Reg = x86.REG_R12
	addr.From.Type = obj.TYPE_MEM
	addr.From.Reg = x86.REG_R12
	addr.From.Scale = 4
	addr.From.Index = x86.REG_R13
	b.add(addr)

	load := b.prog()
	load.As = x86.AMOVL
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_R12
	load.To.Type = obj.TYPE_REG
	load.To.Reg = reg
	b.add(load)
}

func (b *backend) emitPushImm(imm vm.Word, pc int) {
	mov := b.prog()
	mov.As = x86.AMOVL
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = int64(imm)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_AX
	b.add(mov)
	b.emitStackPush(x86.REG_AX, pc)
}

func (b *backend) emitDup(pc int) {
	b.emitPeek(x86.REG_AX, pc)
	b.emitStackPush(x86.REG_AX, pc)
}

func (b *backend) emitBinary(code vm.Bytecode, pc int) error {
	// b then a, matching the interpreter's pop order (interp.go step()).
	b.emitStackPop(x86.REG_BX, pc) // operand b
	b.emitStackPop(x86.REG_AX, pc) // operand a

	switch code {
	case vm.Add:
		add := b.prog()
		add.As = x86.AADDL
		add.From.Type = obj.TYPE_REG
		add.From.Reg = x86.REG_BX
		add.To.Type = obj.TYPE_REG
		add.To.Reg = x86.REG_AX
		b.add(add)
	case vm.Sub:
		sub := b.prog()
		sub.As = x86.ASUBL
		sub.From.Type = obj.TYPE_REG
		sub.From.Reg = x86.REG_BX
		sub.To.Type = obj.TYPE_REG
		sub.To.Reg = x86.REG_AX
		b.add(sub)
	case vm.Mul:
		mul := b.prog()
		mul.As = x86.AIMULL
		mul.From.Type = obj.TYPE_REG
		mul.From.Reg = x86.REG_BX
		mul.To.Type = obj.TYPE_REG
		mul.To.Reg = x86.REG_AX
		b.add(mul)
	case vm.Div:
		cmp := b.prog()
		cmp.As = x86.ACMPL
		cmp.From.Type = obj.TYPE_REG
		cmp.From.Reg = x86.REG_BX
		cmp.To.Type = obj.TYPE_CONST
		cmp.To.Offset = 0
		b.add(cmp)

		jeq := b.prog()
		jeq.As = x86.AJEQ
		jeq.To.Type = obj.TYPE_BRANCH
		b.add(jeq)
		b.trapSites = append(b.trapSites, trapSite{jump: jeq, shared: b.trapDivZero, pc: pc})

		cdq := b.prog()
		cdq.As = x86.ACDQ
		b.add(cdq)

		div := b.prog()
		div.As = x86.AIDIVL
		div.From.Type = obj.TYPE_REG
		div.From.Reg = x86.REG_BX
		b.add(div)
	default:
		return fmt.Errorf("%w: opcode %s at pc=%d", ErrUnsupportedOpcode, code, pc)
	}

	b.emitStackPush(x86.REG_AX, pc)
	return nil
}

// emitCmp pops b then a and writes the tri-state LT/EQ/GT flag to
// control[ctrlFlag], matching vm.compareFlag (word.go).
func (b *backend) emitCmp(pc int) {
	b.emitStackPop(x86.REG_BX, pc) // b
	b.emitStackPop(x86.REG_AX, pc) // a

	cmp := b.prog()
	cmp.As = x86.ACMPL
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = x86.REG_AX
	cmp.To.Type = obj.TYPE_REG
	cmp.To.Reg = x86.REG_BX
	b.add(cmp)

	gt := b.prog()
	gt.As = x86.AJGT
	gt.To.Type = obj.TYPE_BRANCH
	b.add(gt)

	lt := b.prog()
	lt.As = x86.AJLT
	lt.To.Type = obj.TYPE_BRANCH
	b.add(lt)

	// equal falls through: CX = 0
	movEq := b.prog()
	movEq.As = x86.AMOVL
	movEq.From.Type = obj.TYPE_CONST
	movEq.From.Offset = 0
	movEq.To.Type = obj.TYPE_REG
	movEq.To.Reg = x86.REG_CX
	b.add(movEq)

	doneJmp := b.prog()
	doneJmp.As = obj.AJMP
	doneJmp.To.Type = obj.TYPE_BRANCH
	b.add(doneJmp)

	gtTarget := b.prog()
	gtTarget.As = obj.ANOP
	b.add(gtTarget)
	gt.To.SetTarget(gtTarget)
	movGt := b.prog()
	movGt.As = x86.AMOVL
	movGt.From.Type = obj.TYPE_CONST
	movGt.From.Offset = 1
	movGt.To.Type = obj.TYPE_REG
	movGt.To.Reg = x86.REG_CX
	b.add(movGt)
	gtDone := b.prog()
	gtDone.As = obj.AJMP
	gtDone.To.Type = obj.TYPE_BRANCH
	b.add(gtDone)

	ltTarget := b.prog()
	ltTarget.As = obj.ANOP
	b.add(ltTarget)
	lt.To.SetTarget(ltTarget)
	movLt := b.prog()
	movLt.As = x86.AMOVL
	movLt.From.Type = obj.TYPE_CONST
	movLt.From.Offset = -1
	movLt.To.Type = obj.TYPE_REG
	movLt.To.Reg = x86.REG_CX
	b.add(movLt)

	done := b.prog()
	done.As = obj.ANOP
	b.add(done)
	doneJmp.To.SetTarget(done)
	gtDone.To.SetTarget(done)

	b.emitControlStoreReg(ctrlFlag, x86.REG_CX)
}

func (b *backend) emitJump(as obj.As) *obj.Prog {
	j := b.prog()
	j.As = as
	j.To.Type = obj.TYPE_BRANCH
	b.add(j)
	return j
}

// emitCondJump branches to target when the stored flag is (wantZero: EQ)
// or (not wantZero: not EQ), matching JZ/JNZ (interp.go step()).
func (b *backend) emitCondJump(target int, wantZero bool) {
	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R9
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	load := b.prog()
	load.As = x86.AMOVL
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_R12
	load.From.Offset = int64(ctrlFlag) * 4
	load.To.Type = obj.TYPE_REG
	load.To.Reg = x86.REG_CX
	b.add(load)

	cmp := b.prog()
	cmp.As = x86.ACMPL
	cmp.From.Type = obj.TYPE_REG
	cmp.From.Reg = x86.REG_CX
	cmp.To.Type = obj.TYPE_CONST
	cmp.To.Offset = 0
	b.add(cmp)

	var as obj.As
	if wantZero {
		as = x86.AJEQ
	} else {
		as = x86.AJNE
	}
	b.fixups = append(b.fixups, fixup{b.emitJump(as), target})
}

func (b *backend) emitMemLoad(addr int, reg int16) {
	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R11
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	load := b.prog()
	load.As = x86.AMOVL
	load.From.Type = obj.TYPE_MEM
	load.From.Reg = x86.REG_R12
	load.From.Offset = int64(addr) * 4
	load.To.Type = obj.TYPE_REG
	load.To.Reg = reg
	b.add(load)
}

func (b *backend) emitMemStore(addr int, reg int16) {
	loadData := b.prog()
	loadData.As = x86.AMOVQ
	loadData.From.Type = obj.TYPE_MEM
	loadData.From.Reg = x86.REG_R11
	loadData.To.Type = obj.TYPE_REG
	loadData.To.Reg = x86.REG_R12
	b.add(loadData)

	store := b.prog()
	store.As = x86.AMOVL
	store.From.Type = obj.TYPE_REG
	store.From.Reg = reg
	store.To.Type = obj.TYPE_MEM
	store.To.Reg = x86.REG_R12
	store.To.Offset = int64(addr) * 4
	b.add(store)
}

func (b *backend) emitHalt(pc int) {
	b.emitControlStore(ctrlTrap, trapNone)
	b.emitControlStore(ctrlPC, int32(pc))
	ret := b.prog()
	ret.As = obj.ARET
	b.add(ret)
}
