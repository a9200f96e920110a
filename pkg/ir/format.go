package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatValue renders a cell or operand value the way the engine prints it:
// booleans as True/False, floats always with a decimal point, character
// sequences verbatim.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEiN") {
			s += ".0"
		}
		return s
	case string:
		return x
	case []Value:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = FormatValue(el)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Format renders an instruction in the human-readable form used by the
// debugger's list and view commands: `%t = op type args` for
// value-producing operations, `op type args` for stores and returns,
// `jump label L` and `cbranch c label Lt label Lf` for branches, and
// `@name = global type 'chars'` for character-sequence globals. Body
// instructions are indented two spaces; globals and defines are not.
func Format(inst Instruction) string {
	segs := strings.Split(inst.Opcode, "_")
	op := segs[0]
	ty := ""
	if len(segs) > 1 {
		ty = segs[1]
	}
	if len(segs) > 2 {
		for _, qual := range segs[2:] {
			if qual == "*" {
				ty += "*"
			} else {
				ty += " [" + qual + "]"
			}
		}
	}

	if len(inst.Args) > 0 {
		args := make([]string, len(inst.Args))
		for i, a := range inst.Args {
			args[i] = FormatValue(a)
		}
		switch op {
		case "define":
			s := op + " " + ty + " " + args[0]
			if len(inst.Params) > 0 {
				params := make([]string, len(inst.Params))
				for i, p := range inst.Params {
					params[i] = p.Type + " " + p.Name
				}
				s += " " + strings.Join(params, ", ")
			}
			return s
		case "jump":
			return "  " + op + " label " + args[0]
		case "cbranch":
			return "  " + op + " " + args[0] + " label " + args[1] + " label " + args[2]
		case "global":
			init := ""
			if len(args) > 1 {
				init = " " + args[1]
				if strings.HasPrefix(ty, "string") {
					init = " '" + args[1] + "'"
				}
			}
			return args[0] + " = " + op + " " + ty + init
		case "return", "store":
			return "  " + op + " " + ty + " " + strings.Join(args, " ")
		default:
			operands := strings.Join(args[:len(args)-1], " ")
			if operands != "" {
				operands = " " + operands
			}
			return "  " + args[len(args)-1] + " = " + op + " " + ty + operands
		}
	}

	if ty == "void" {
		return "  " + op
	}
	return op
}
