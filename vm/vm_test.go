package vm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func assembleAndCheck(t *testing.T, source string) []byte {
	t.Helper()
	image, err := Assemble(strings.NewReader(source))
	assert(t, err == nil, "failed to assemble: %v", err)
	return image
}

// runSource assembles and executes source against stdin, returning stdout,
// stderr and the process exit code.
func runSource(t *testing.T, source, stdin string) (string, string, int) {
	t.Helper()
	image := assembleAndCheck(t, source)
	machine := New(image, Config{})

	var stdout, stderr bytes.Buffer
	code := machine.Execute(strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestPushHalt(t *testing.T) {
	stdout, _, code := runSource(t, `
		push 10
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 10"), "unexpected stdout: %q", stdout)
}

func TestAdd(t *testing.T) {
	stdout, _, code := runSource(t, `
		push 10
		push 20
		add
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 30"), "unexpected stdout: %q", stdout)
}

// TestLoopJnz counts the top of stack down to zero using JNZ to continue the
// loop and JMP to leave it for HALT once CMP finds zero.
func TestLoopJnz(t *testing.T) {
	stdout, _, code := runSource(t, `
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
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 0"), "unexpected stdout: %q", stdout)
}

// TestCallRet squares its argument via a subroutine.
func TestCallRet(t *testing.T) {
	stdout, _, code := runSource(t, `
		jmp main
		square: dup
		mul
		ret
		main: push 5
		call square
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 25"), "unexpected stdout: %q", stdout)
}

func TestStoreLoad(t *testing.T) {
	stdout, _, code := runSource(t, `
		push 123
		store 0
		load 0
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 123"), "unexpected stdout: %q", stdout)
}

func TestDivisionByZero(t *testing.T) {
	_, stderr, code := runSource(t, `
		push 1
		push 0
		div
	`, "")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Division by Zero"), "unexpected stderr: %q", stderr)
}

func TestLoadOutOfBounds(t *testing.T) {
	_, stderr, code := runSource(t, `
		load 999999
	`, "")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Memory Access Out of Bounds"), "unexpected stderr: %q", stderr)
}

func TestStackUnderflow(t *testing.T) {
	_, stderr, code := runSource(t, `
		pop
	`, "")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Stack Underflow"), "unexpected stderr: %q", stderr)
}

func TestStackOverflow(t *testing.T) {
	_, stderr, code := runSource(t, `
		loop: push 1
		jmp loop
	`, "")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Stack Overflow"), "unexpected stderr: %q", stderr)
}

func TestInvalidPC(t *testing.T) {
	_, stderr, code := runSource(t, `
		jmp 99999
	`, "")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Invalid PC"), "unexpected stderr: %q", stderr)
}

func TestReadStdin(t *testing.T) {
	stdout, _, code := runSource(t, `
		read
		push 1
		add
		halt
	`, "50\n")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 51"), "unexpected stdout: %q", stdout)
}

func TestReadMalformed(t *testing.T) {
	_, stderr, code := runSource(t, `
		read
		halt
	`, "not-a-number\n")
	assert(t, code == 1, "expected trap exit code, got %d", code)
	assert(t, strings.Contains(stderr, "Input Error"), "unexpected stderr: %q", stderr)
}

// TestFactorialOfFive computes 5! using a memory-resident accumulator and
// counter, since no instruction reaches below the top of stack except by
// popping it (DUP only copies the top).
func TestFactorialOfFive(t *testing.T) {
	stdout, _, code := runSource(t, `
		push 1
		store 0
		push 5
		store 1
		loop: load 1
		push 0
		cmp
		jz done
		load 0
		load 1
		mul
		store 0
		load 1
		push 1
		sub
		store 1
		jmp loop
		done: load 0
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 120"), "unexpected stdout: %q", stdout)
}

func TestUnknownMnemonic(t *testing.T) {
	_, err := Assemble(strings.NewReader("frobnicate\n"))
	assert(t, err != nil, "expected an assembly error")
	var asmErr *AsmError
	assert(t, errors.As(err, &asmErr), "expected *AsmError, got %T", err)
}

func TestDuplicateLabel(t *testing.T) {
	_, err := Assemble(strings.NewReader("a: push 1\na: push 2\nhalt\n"))
	assert(t, err != nil, "expected a duplicate label error")
}

func TestHeapAllocGetSetIdx(t *testing.T) {
	stdout, _, code := runSource(t, `
		alloc 2
		store 0

		load 0
		push 0
		push 7
		setidx

		load 0
		push 1
		push 8
		setidx

		load 0
		push 0
		getidx

		load 0
		push 1
		getidx

		add
		halt
	`, "")
	assert(t, code == 0, "expected clean exit, got %d", code)
	assert(t, strings.Contains(stdout, "Top of stack: 15"), "unexpected stdout: %q", stdout)
}

// TestHeapGCReclaimsUnreachable allocates a reachable object (kept alive via
// linear memory) alongside many throwaway ones that become unreachable the
// instant they're popped, forcing at least one collection past the initial
// 256-word threshold, and checks the reachable object survives it.
func TestHeapGCReclaimsUnreachable(t *testing.T) {
	image := assembleAndCheck(t, `
		alloc 4
		store 0

		push 0
		store 1

		loop: load 1
		push 200
		cmp
		jz done
		alloc 8
		pop
		load 1
		push 1
		add
		store 1
		jmp loop
		done: load 0
		halt
	`)
	machine := New(image, Config{})
	var stdout, stderr bytes.Buffer
	code := machine.Execute(strings.NewReader(""), &stdout, &stderr)

	assert(t, code == 0, "expected clean exit, got %d (stderr=%q)", code, stderr.String())
	assert(t, machine.heap.stats.runs > 0, "expected at least one GC run")
	assert(t, machine.heap.stats.freed > 0, "expected garbage to be reclaimed")
	kept := machine.heap.objects[0]
	assert(t, kept.live && len(kept.words) == 4, "expected the memory-held object to survive collection")
	assert(t, strings.Contains(stderr.String(), "Runs:"), "expected GC stats line, got %q", stderr.String())
}

func TestGCStatsSuppressed(t *testing.T) {
	image := assembleAndCheck(t, "push 1\nhalt\n")
	machine := New(image, Config{NoGCStats: true})
	var stdout, stderr bytes.Buffer
	machine.Execute(strings.NewReader(""), &stdout, &stderr)
	assert(t, stderr.Len() == 0, "expected no GC stats output, got %q", stderr.String())
}
