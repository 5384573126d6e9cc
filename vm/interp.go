package vm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Config overrides the default size limits (spec.md §3): S_MAX for the
// operand/call stacks, M_MAX for linear memory. Zero values fall back to
// the package defaults.
type Config struct {
	StackMax  int
	MemoryMax int
	NoGCStats bool
}

func (c Config) withDefaults() Config {
	if c.StackMax == 0 {
		c.StackMax = S_MAX
	}
	if c.MemoryMax == 0 {
		c.MemoryMax = M_MAX
	}
	return c
}

// VM is one execution of a loaded bytecode image against an operand stack,
// a call stack and linear memory (spec.md §3). It is not reusable across
// runs: construct a fresh VM per Execute.
type VM struct {
	image []byte

	stack []Word
	sp    int

	callStack []Word
	csp       int

	memory []Word
	pc     int
	flag   CompareFlag

	heap *heap

	cfg Config
}

// New constructs a VM ready to execute image. The image is never mutated
// (spec.md §9, "bytecode as pure data").
func New(image []byte, cfg Config) *VM {
	cfg = cfg.withDefaults()
	return &VM{
		image:     image,
		stack:     make([]Word, cfg.StackMax),
		callStack: make([]Word, cfg.StackMax),
		memory:    make([]Word, cfg.MemoryMax),
		flag:      FlagEQ,
		heap:      newHeap(),
		cfg:       cfg,
	}
}

func (vm *VM) push(w Word) error {
	if vm.sp >= len(vm.stack) {
		return ErrStackOverflow
	}
	vm.stack[vm.sp] = w
	vm.sp++
	return nil
}

func (vm *VM) pop() (Word, error) {
	if vm.sp <= 0 {
		return 0, ErrStackUnderflow
	}
	vm.sp--
	return vm.stack[vm.sp], nil
}

func (vm *VM) top() Word {
	if vm.sp <= 0 {
		return 0
	}
	return vm.stack[vm.sp-1]
}

func (vm *VM) pushCall(addr Word) error {
	if vm.csp >= len(vm.callStack) {
		return ErrStackOverflow
	}
	vm.callStack[vm.csp] = addr
	vm.csp++
	return nil
}

func (vm *VM) popCall() (Word, error) {
	if vm.csp <= 0 {
		return 0, ErrStackUnderflow
	}
	vm.csp--
	return vm.callStack[vm.csp], nil
}

func (vm *VM) checkMemAddr(addr Word) error {
	if addr < 0 || int(addr) >= len(vm.memory) {
		return ErrMemoryOutOfBound
	}
	return nil
}

// branch sets pc to target after validating it lands inside the image.
// target == len(vm.image) is allowed: the next step() call sees pc at the
// end of the image and halts normally, exactly as falling off the end of a
// straight-line program would. Anything else out of range is a fatal
// Invalid PC trap (spec.md §4.2), distinct from that normal-termination case.
func (vm *VM) branch(target Word) error {
	if target < 0 || int(target) > len(vm.image) {
		return ErrInvalidPC
	}
	vm.pc = int(target)
	return nil
}

// fetch reads one opcode (and, if present, its 4-byte little-endian
// immediate) at the current pc, advancing pc past it.
func (vm *VM) fetch() (Bytecode, Word, error) {
	code, imm, next, err := Decode(vm.image, vm.pc)
	if err != nil {
		return 0, 0, err
	}
	vm.pc = next
	return code, imm, nil
}

// step executes exactly one instruction. It returns errHalted on HALT or
// on pc running off the end of the image (normal termination), or a trap
// sentinel on a fatal condition.
func (vm *VM) step(stdin *bufio.Reader) error {
	startPC := vm.pc
	if vm.pc >= len(vm.image) {
		return errHalted
	}

	code, imm, err := vm.fetch()
	if err != nil {
		return trapAt(err, startPC)
	}

	switch code {
	case Halt:
		return errHalted

	case Push:
		if err := vm.push(imm); err != nil {
			return trapAt(err, startPC)
		}
	case Pop:
		if _, err := vm.pop(); err != nil {
			return trapAt(err, startPC)
		}
	case Dup:
		if vm.sp == 0 {
			return trapAt(ErrStackUnderflow, startPC)
		}
		if err := vm.push(vm.top()); err != nil {
			return trapAt(err, startPC)
		}

	case Add, Sub, Mul, Div:
		b, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		a, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		var result Word
		switch code {
		case Add:
			result = a + b
		case Sub:
			result = a - b
		case Mul:
			result = a * b
		case Div:
			if b == 0 {
				return trapAt(ErrDivisionByZero, startPC)
			}
			result = a / b
		}
		if err := vm.push(result); err != nil {
			return trapAt(err, startPC)
		}

	case Cmp:
		b, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		a, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		vm.flag = compareFlag(a, b)

	case Jmp:
		if err := vm.branch(imm); err != nil {
			return trapAt(err, startPC)
		}
	case Jz:
		if vm.flag == FlagEQ {
			if err := vm.branch(imm); err != nil {
				return trapAt(err, startPC)
			}
		}
	case Jnz:
		if vm.flag != FlagEQ {
			if err := vm.branch(imm); err != nil {
				return trapAt(err, startPC)
			}
		}

	case Store:
		if err := vm.checkMemAddr(imm); err != nil {
			return trapAt(err, startPC)
		}
		val, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		vm.memory[imm] = val
	case Load:
		if err := vm.checkMemAddr(imm); err != nil {
			return trapAt(err, startPC)
		}
		if err := vm.push(vm.memory[imm]); err != nil {
			return trapAt(err, startPC)
		}

	case Call:
		if err := vm.branch(imm); err != nil {
			return trapAt(err, startPC)
		}
		if err := vm.pushCall(Word(startPC + 5)); err != nil {
			return trapAt(err, startPC)
		}
	case Ret:
		addr, err := vm.popCall()
		if err != nil {
			return trapAt(err, startPC)
		}
		if err := vm.branch(addr); err != nil {
			return trapAt(err, startPC)
		}

	case Read:
		line, err := stdin.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" && err != nil {
			return trapAt(ErrInputError, startPC)
		}
		n, perr := strconv.ParseInt(line, 10, 32)
		if perr != nil {
			return trapAt(ErrInputError, startPC)
		}
		if err := vm.push(Word(n)); err != nil {
			return trapAt(err, startPC)
		}

	case Alloc:
		if imm < 0 || int(imm) > len(vm.memory) {
			return trapAt(ErrMemoryOutOfBound, startPC)
		}
		handle := vm.heap.alloc(int(imm))
		if err := vm.push(tagHandle(handle)); err != nil {
			return trapAt(err, startPC)
		}
	case Getidx:
		idx, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		ref, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		if !isHeapRef(ref) {
			return trapAt(ErrMemoryOutOfBound, startPC)
		}
		val, ok := vm.heap.get(untagHandle(ref), int(idx))
		if !ok {
			return trapAt(ErrMemoryOutOfBound, startPC)
		}
		if err := vm.push(val); err != nil {
			return trapAt(err, startPC)
		}
	case Setidx:
		val, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		idx, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		ref, err := vm.pop()
		if err != nil {
			return trapAt(err, startPC)
		}
		if !isHeapRef(ref) {
			return trapAt(ErrMemoryOutOfBound, startPC)
		}
		if !vm.heap.set(untagHandle(ref), int(idx), val) {
			return trapAt(ErrMemoryOutOfBound, startPC)
		}

	default:
		return trapAt(ErrInvalidOpcode, startPC)
	}

	vm.maybeCollect()
	return nil
}

func trapAt(kind error, pc int) error {
	return trap(kind, Word(pc))
}

// Execute runs the loaded image to completion against stdin/stdout/stderr,
// per spec.md §4.2 and §6. It returns the process exit code: 0 on normal
// termination, nonzero on any trap.
func (vm *VM) Execute(stdinR io.Reader, stdout, stderr io.Writer) int {
	stdin := bufio.NewReader(stdinR)

	var runErr error
	for {
		if err := vm.step(stdin); err != nil {
			runErr = err
			break
		}
	}

	if runErr != errHalted {
		var t *Trap
		if ok := asTrap(runErr, &t); ok {
			fmt.Fprintf(stderr, "%s at pc=%d\n", t.Error(), t.PC)
		} else {
			fmt.Fprintln(stderr, runErr)
		}
		return 1
	}

	fmt.Fprintf(stdout, "Top of stack: %d\n", vm.top())
	vm.reportGCStats(stderr)
	return 0
}

func asTrap(err error, t **Trap) bool {
	if tr, ok := err.(*Trap); ok {
		*t = tr
		return true
	}
	return false
}

func (vm *VM) reportGCStats(w io.Writer) {
	if vm.cfg.NoGCStats {
		return
	}
	s := vm.heap.stats
	fmt.Fprintf(w, "Runs: %d, Freed: %d, Total GC Time: %gs, Max Heap: %d words\n",
		s.runs, s.freed, s.gcTime.Seconds(), s.maxHeapWords)
}

// maybeCollect triggers a GC cycle when live heap words exceed the current
// threshold, per spec.md §4.4's doubling policy.
func (vm *VM) maybeCollect() {
	if !vm.heap.overThreshold() {
		return
	}
	vm.heap.collect(vm.stack[:vm.sp], vm.memory)
}
