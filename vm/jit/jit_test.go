package jit

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"stackvm/vm"
)

func assemble(t *testing.T, source string) []byte {
	t.Helper()
	image, err := vm.Assemble(strings.NewReader(source))
	if err != nil {
		t.Fatalf("failed to assemble: %v", err)
	}
	return image
}

func TestCompileRejectsCall(t *testing.T) {
	image := assemble(t, `
		jmp main
		fn: ret
		main: call fn
		halt
	`)
	_, err := Compile(image, vm.M_MAX)
	if !errors.Is(err, ErrUnsupportedOpcode) {
		t.Fatalf("expected ErrUnsupportedOpcode, got %v", err)
	}
}

func TestCompileRejectsHeapOps(t *testing.T) {
	image := assemble(t, `
		push 1
		alloc 1
		halt
	`)
	_, err := Compile(image, vm.M_MAX)
	if !errors.Is(err, ErrUnsupportedOpcode) {
		t.Fatalf("expected ErrUnsupportedOpcode, got %v", err)
	}
}

// TestAgreesWithInterpreter runs the same program through both the
// interpreter and the JIT and checks they compute the same top-of-stack
// word. Skipped on architectures with no native backend, since Compile
// there always returns ErrUnsupportedOpcode by design.
func TestAgreesWithInterpreter(t *testing.T) {
	source := `
		push 5
		loop: dup
		push 0
		cmp
		jnz body
		jmp done
		body: push 1
		sub
		jmp loop
		done: halt
	`
	image := assemble(t, source)

	machine := vm.New(image, vm.Config{NoGCStats: true})
	var stdout, stderr strings.Builder
	if code := machine.Execute(strings.NewReader(""), &stdout, &stderr); code != 0 {
		t.Fatalf("interpreter run failed: %s", stderr.String())
	}

	prog, err := Compile(image, vm.M_MAX)
	if err != nil {
		t.Skipf("no JIT backend available: %v", err)
	}
	defer prog.Release()

	top, err := prog.Run(vm.S_MAX, make([]int32, vm.M_MAX))
	if err != nil {
		t.Fatalf("jit run failed: %v", err)
	}
	if top != 0 {
		t.Fatalf("expected top of stack 0, got %d", top)
	}
	if want := fmt.Sprintf("Top of stack: %d\n", top); stdout.String() != want {
		t.Fatalf("interpreter printed %q, JIT result was %d", stdout.String(), top)
	}
}
