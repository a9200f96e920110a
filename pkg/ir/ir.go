// Package ir defines the uCIR instruction model: the tuple form produced by
// the uC front end, the opcode naming grammar, and the decoder that splits an
// opcode string into its operation tag, type tag, and shape modifiers.
package ir

import "strings"

// Value is one operand or memory cell: an int, float64, string (characters
// and character sequences), bool, a nested []Value for array initializers,
// or nil for the empty cell marker. PC indices and cell offsets are ints.
type Value = any

// Param is one (type, name) pair from a define's argument list.
type Param struct {
	Type string
	Name string
}

// Instruction is one uCIR tuple. The first element of the tuple is the
// opcode string; the rest are operands. A label is a one-element tuple
// whose opcode ends in ':'. The define instruction carries its argument
// list in Params rather than Args.
type Instruction struct {
	Opcode string
	Args   []Value
	Params []Param
}

// Program is a finite ordered sequence of instructions.
type Program []Instruction

// IsLabel reports whether the instruction is a label definition.
// return_void and print_void are the two one-element tuples that are
// not labels.
func (i Instruction) IsLabel() bool {
	return len(i.Args) == 0 && len(i.Params) == 0 &&
		i.Opcode != "return_void" && i.Opcode != "print_void"
}

// LabelName returns the label identifier without the trailing colon.
func (i Instruction) LabelName() string {
	return strings.TrimSuffix(i.Opcode, ":")
}

// Name returns operand n as a name token, or "" if it is not a string.
func (i Instruction) Name(n int) string {
	if n >= len(i.Args) {
		return ""
	}
	s, _ := i.Args[n].(string)
	return s
}

// Op is the enumerated operation tag decoded from an opcode string.
type Op uint8

const (
	OpInvalid Op = iota
	OpAlloc
	OpLiteral
	OpLoad
	OpStore
	OpElem
	OpGet
	OpCall
	OpParam
	OpDefine
	OpReturn
	OpJump
	OpCbranch
	OpLabel
	OpPrint
	OpRead
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpAnd
	OpOr
	OpNot
	OpSitofp
	OpFptosi
	OpGlobal
)

var opNames = map[string]Op{
	"alloc":   OpAlloc,
	"literal": OpLiteral,
	"load":    OpLoad,
	"store":   OpStore,
	"elem":    OpElem,
	"get":     OpGet,
	"call":    OpCall,
	"param":   OpParam,
	"define":  OpDefine,
	"return":  OpReturn,
	"jump":    OpJump,
	"cbranch": OpCbranch,
	"label":   OpLabel,
	"print":   OpPrint,
	"read":    OpRead,
	"add":     OpAdd,
	"sub":     OpSub,
	"mul":     OpMul,
	"div":     OpDiv,
	"mod":     OpMod,
	"lt":      OpLt,
	"le":      OpLe,
	"gt":      OpGt,
	"ge":      OpGe,
	"eq":      OpEq,
	"ne":      OpNe,
	"and":     OpAnd,
	"or":      OpOr,
	"not":     OpNot,
	"sitofp":  OpSitofp,
	"fptosi":  OpFptosi,
	"global":  OpGlobal,
}

var opStrings = func() map[Op]string {
	m := make(map[Op]string, len(opNames))
	for s, op := range opNames {
		m[op] = s
	}
	return m
}()

func (op Op) String() string {
	if s, ok := opStrings[op]; ok {
		return s
	}
	return "invalid"
}

// Shape holds the dimension-and-indirection modifiers parsed from an opcode
// string: Elems is the product of the numeric segments (the total element
// count), Ptr the number of '*' segments (the indirection depth).
type Shape struct {
	Elems int
	Ptr   int
}

// Decoded is the result of splitting an opcode string.
type Decoded struct {
	Op     Op
	Type   string // type tag ("int", "float", ...); empty for one-segment ops
	Shaped bool   // true when the opcode carried shape modifiers
	Shape  Shape
}

// oneSegment is the set of operations whose opcode carries no type tag.
var oneSegment = map[string]bool{
	"fptosi":  true,
	"sitofp":  true,
	"label":   true,
	"jump":    true,
	"cbranch": true,
	"call":    true,
}

// Decode splits an opcode string such as "load_int_5_*" into its operation
// tag, type tag and shape. Segments past the type tag are either decimal
// dimension sizes, multiplied into Shape.Elems, or the literal '*', counted
// into Shape.Ptr.
func Decode(opcode string) Decoded {
	segs := strings.Split(opcode, "_")
	if oneSegment[segs[0]] {
		return Decoded{Op: opNames[segs[0]]}
	}
	if len(segs) < 2 {
		return Decoded{}
	}
	op, ok := opNames[segs[0]]
	if !ok {
		return Decoded{}
	}
	d := Decoded{Op: op, Type: segs[1]}
	if len(segs) > 2 {
		d.Shaped = true
		d.Shape.Elems = 1
		for _, seg := range segs[2:] {
			if seg == "*" {
				d.Shape.Ptr++
			} else if n, ok := atoi(seg); ok {
				d.Shape.Elems *= n
			}
		}
	}
	return d
}

func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
