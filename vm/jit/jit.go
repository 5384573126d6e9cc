// Package jit compiles the JIT-supported subset of the stackvm bytecode
// (spec.md §4.3) into native machine code using a fixed template per
// opcode, grounded on go-interpreter-wagon's amd64 backend
// (exec/internal/compile/backend_amd64.go). Unlike wagon, which compiles
// hot basic blocks inside a larger interpreted run, this JIT compiles a
// whole image up front: either every instruction it contains is supported,
// or compilation fails outright and the caller falls back to nothing —
// there is no silent mixed interpreter/native execution (spec.md §4.3).
package jit

import (
	"errors"
	"fmt"

	"stackvm/vm"
)

// ErrUnsupportedOpcode is returned by Compile when the image contains an
// instruction the template backend has no native sequence for.
var ErrUnsupportedOpcode = errors.New("JIT Compilation Failed")

// Trap mirrors vm.Trap for faults raised by running native code: the
// template backend re-checks stack bounds at runtime (control flow makes
// static depth tracking impractical) and reports the same sentinel kinds
// the interpreter would.
type Trap struct {
	Kind error
	PC   int
}

func (t *Trap) Error() string { return t.Kind.Error() }
func (t *Trap) Unwrap() error { return t.Kind }

// Control slot indices written by generated code and read back by Run.
const (
	ctrlFlag = 0
	ctrlTrap = 1
	ctrlPC   = 2
	ctrlSize = 3
)

// Trap codes written to control[ctrlTrap] by generated code.
const (
	trapNone = iota
	trapStackUnderflow
	trapStackOverflow
	trapDivisionByZero
)

func trapKind(code int32) error {
	switch code {
	case trapStackUnderflow:
		return vm.ErrStackUnderflow
	case trapStackOverflow:
		return vm.ErrStackOverflow
	case trapDivisionByZero:
		return vm.ErrDivisionByZero
	default:
		return nil
	}
}

// supportedOpcodes is the template backend's opcode coverage (spec.md
// §4.3): the core arithmetic/stack/control-flow/memory set. CALL, RET,
// READ and the heap opcodes are deliberately excluded — they need a call
// stack, stdin or GC-managed heap that the fixed-register template has no
// room for, and spec.md §4.3 requires a hard failure over a silent,
// partially-native execution.
var supportedOpcodes = map[vm.Bytecode]bool{
	vm.Push: true, vm.Pop: true, vm.Dup: true,
	vm.Add: true, vm.Sub: true, vm.Mul: true, vm.Div: true, vm.Cmp: true,
	vm.Jmp: true, vm.Jz: true, vm.Jnz: true,
	vm.Store: true, vm.Load: true,
	vm.Halt: true,
}

// Program is a compiled, loaded, ready-to-run native translation of one
// bytecode image.
type Program struct {
	code *nativeCode
}

// Compile translates image into native code. It returns ErrUnsupportedOpcode
// (wrapping the offending instruction's address) if any instruction in
// image falls outside supportedOpcodes, or if the target architecture has
// no backend at all (backend_other.go).
func Compile(image []byte, memoryWords int) (*Program, error) {
	if err := checkSupported(image); err != nil {
		return nil, err
	}
	machineCode, err := assembleNative(image, memoryWords)
	if err != nil {
		return nil, err
	}
	nc, err := loadNative(machineCode)
	if err != nil {
		return nil, err
	}
	return &Program{code: nc}, nil
}

func checkSupported(image []byte) error {
	pc := 0
	for pc < len(image) {
		code, _, next, err := vm.Decode(image, pc)
		if err != nil {
			return fmt.Errorf("%w: %v at pc=%d", ErrUnsupportedOpcode, err, pc)
		}
		if !supportedOpcodes[code] {
			return fmt.Errorf("%w: opcode %s at pc=%d", ErrUnsupportedOpcode, code, pc)
		}
		pc = next
	}
	return nil
}

// Release frees the executable memory backing p. Callers must call this
// exactly once when done with p.
func (p *Program) Release() error {
	return p.code.release()
}

// Run executes the compiled program against a freshly zeroed stack of
// stackWords capacity and the given linear memory, returning the
// top-of-stack word on normal HALT.
func (p *Program) Run(stackWords int, memory []int32) (int32, error) {
	stack := make([]int32, 0, stackWords)
	control := make([]int32, ctrlSize)

	p.code.invoke(&stack, &memory, &control)

	if kind := trapKind(control[ctrlTrap]); kind != nil {
		return 0, &Trap{Kind: kind, PC: int(control[ctrlPC])}
	}
	if len(stack) == 0 {
		return 0, nil
	}
	return stack[len(stack)-1], nil
}
