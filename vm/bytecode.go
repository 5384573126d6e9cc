package vm

/*
	Current bytecodes (<> means required operand, none otherwise)

		control:
			halt (stop execution)

		stack:
			push <imm>  (push imm)
			pop         (discard top)
			dup         (duplicate top)

		arithmetic (all pop b then a, push result):
			add, sub, mul, div
			cmp (sets the compare flag consumed by jz/jnz, pushes nothing)

		control flow:
			jmp  <addr>
			jz   <addr> (taken iff compare flag is EQ)
			jnz  <addr> (taken iff compare flag is not EQ)
			call <addr>
			ret

		memory:
			store <addr> (pop, write to mem[addr])
			load  <addr> (push mem[addr])

		standard library:
			read (read a line from stdin, parse decimal, push)

		heap (GC-managed, a supplement to the spec's core opcode table):
			alloc   <n>  (allocate n zeroed words on the heap, push tagged ref)
			getidx       (b=pop index; a=pop ref; push heap[a][b])
			setidx       (c=pop value; b=pop index; a=pop ref; heap[a][b]=c)

	Mnemonic matching is case-insensitive at the assembler layer; the
	Bytecode <-> string maps below are keyed by the canonical lowercase form.
*/

// Bytecode is a single opcode byte.
type Bytecode byte

const (
	Push Bytecode = 0x01
	Pop  Bytecode = 0x02
	Dup  Bytecode = 0x03

	Add Bytecode = 0x10
	Sub Bytecode = 0x11
	Mul Bytecode = 0x12
	Div Bytecode = 0x13
	Cmp Bytecode = 0x14

	Jmp Bytecode = 0x20
	Jz  Bytecode = 0x21
	Jnz Bytecode = 0x22

	Store Bytecode = 0x30
	Load  Bytecode = 0x31

	Call Bytecode = 0x40
	Ret  Bytecode = 0x41

	Read Bytecode = 0x50

	Alloc  Bytecode = 0x51
	Getidx Bytecode = 0x52
	Setidx Bytecode = 0x53

	Halt Bytecode = 0xFF
)

var (
	// strToInstrMap maps a lowercased mnemonic to its opcode.
	strToInstrMap = map[string]Bytecode{
		"push":   Push,
		"pop":    Pop,
		"dup":    Dup,
		"add":    Add,
		"sub":    Sub,
		"mul":    Mul,
		"div":    Div,
		"cmp":    Cmp,
		"jmp":    Jmp,
		"jz":     Jz,
		"jnz":    Jnz,
		"store":  Store,
		"load":   Load,
		"call":   Call,
		"ret":    Ret,
		"read":   Read,
		"alloc":  Alloc,
		"getidx": Getidx,
		"setidx": Setidx,
		"halt":   Halt,
	}

	// instrToStrMap is built from strToInstrMap at init time.
	instrToStrMap map[Bytecode]string
)

// String implements fmt.Stringer so a Bytecode prints as its mnemonic.
func (b Bytecode) String() string {
	str, ok := instrToStrMap[b]
	if !ok {
		return "?unknown?"
	}
	return str
}

// HasImmediate reports whether b carries a 4-byte immediate in the
// bytecode stream.
func (b Bytecode) HasImmediate() bool {
	switch b {
	case Push, Jmp, Jz, Jnz, Store, Load, Call, Alloc:
		return true
	default:
		return false
	}
}

func init() {
	instrToStrMap = make(map[Bytecode]string, len(strToInstrMap))
	for s, b := range strToInstrMap {
		instrToStrMap[b] = s
	}
}

// Decode reads one instruction (an opcode plus, if HasImmediate, its 4-byte
// little-endian immediate) from image at pc. It returns the decoded opcode,
// immediate and the address of the following instruction. This is the
// single source of truth for the wire format shared by the interpreter
// (interp.go) and the JIT compiler (jit package).
func Decode(image []byte, pc int) (Bytecode, Word, int, error) {
	if pc < 0 || pc >= len(image) {
		return 0, 0, 0, ErrInvalidPC
	}
	code := Bytecode(image[pc])
	next := pc + 1

	if _, known := instrToStrMap[code]; !known {
		return 0, 0, 0, ErrInvalidOpcode
	}

	var imm Word
	if code.HasImmediate() {
		if next+4 > len(image) {
			return 0, 0, 0, ErrInvalidPC
		}
		b := image[next : next+4]
		imm = Word(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
		next += 4
	}
	return code, imm, next, nil
}
