package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uc-lang/ucir/pkg/ir"
)

// runProgram loads and runs prog with the given stdin, returning the exit
// code, captured stdout, and the engine for white-box checks.
func runProgram(t *testing.T, prog ir.Program, stdin string) (int, string, *Engine) {
	t.Helper()
	var out, errout bytes.Buffer
	e := New(Config{
		Stdin:  strings.NewReader(stdin),
		Stdout: &out,
		Errout: &errout,
	})
	require.NoError(t, e.Load(prog))
	exit, err := e.Run()
	require.NoError(t, err, "stderr: %s", errout.String())
	return exit, out.String(), e
}

func inst(opcode string, args ...ir.Value) ir.Instruction {
	return ir.Instruction{Opcode: opcode, Args: args}
}

func TestPrintConstant(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 42, "%1"),
		inst("print_int", "%1"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "42\n", out)
}

func TestAddAndCompare(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 3, "%1"),
		inst("literal_int", 4, "%2"),
		inst("add_int", "%1", "%2", "%3"),
		inst("literal_int", 7, "%4"),
		inst("eq_int", "%3", "%4", "%5"),
		inst("print_bool", "%5"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "True\n", out)
}

func TestCallWithReturnValue(t *testing.T) {
	prog := ir.Program{
		{Opcode: "define_int", Args: []ir.Value{"@sq"}, Params: []ir.Param{{Type: "int", Name: "%x"}}},
		inst("mul_int", "%x", "%x", "%r"),
		inst("return_int", "%r"),
		inst("define_void", "@main"),
		inst("literal_int", 5, "%1"),
		inst("param_int", "%1"),
		inst("call", "@sq", "%2"),
		inst("print_int", "%2"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, e := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "25\n", out)

	// The callee's frame was reclaimed: only the two entry-point cells and
	// @main's three registers remain allocated.
	assert.Equal(t, 5, e.offset, "callee allocations should be reclaimed on return")
	assert.Empty(t, e.stack)
	assert.Empty(t, e.returns)
	assert.Equal(t, 1, e.Statistics().FunctionsCalled)
}

func TestCallerLocalsRestored(t *testing.T) {
	prog := ir.Program{
		{Opcode: "define_int", Args: []ir.Value{"@id"}, Params: []ir.Param{{Type: "int", Name: "%x"}}},
		inst("return_int", "%x"),
		inst("define_void", "@main"),
		inst("literal_int", 1, "%1"),
		inst("literal_int", 2, "%2"),
		inst("param_int", "%1"),
		inst("call", "@id", "%3"),
		inst("return_void"),
	}
	_, _, e := runProgram(t, prog, "")

	// Every caller register is back at its pre-call cell, and only the
	// call's target register changed value.
	v1, err := e.Peek("%1")
	require.NoError(t, err)
	v2, err := e.Peek("%2")
	require.NoError(t, err)
	v3, err := e.Peek("%3")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, 1, v3)
}

func TestArrayStoreAndLoad(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int_3", "%a"),
		inst("literal_int", 7, "%v"),
		inst("literal_int", 1, "%i"),
		inst("elem_int", "%a", "%i", "%p"),
		inst("store_int_*", "%v", "%p"),
		inst("load_int_*", "%p", "%r"),
		inst("print_int", "%r"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "7\n", out)
}

func TestReadAndEcho(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int", "%x"),
		inst("read_int", "%x"),
		inst("load_int", "%x", "%t"),
		inst("print_int", "%t"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "11\n")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "11\n", out)
}

func TestControlFlow(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 0, "%c"),
		inst("cbranch", "%c", "then:", "else:"),
		{Opcode: "then:"},
		inst("literal_int", 1, "%r"),
		inst("jump", "end:"),
		{Opcode: "else:"},
		inst("literal_int", 2, "%r"),
		{Opcode: "end:"},
		inst("print_int", "%r"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "2\n", out)
}

func TestVoidMainExitsZero(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Empty(t, out)
}

func TestMainReturnValueIsExitCode(t *testing.T) {
	for _, want := range []int{0, 3} {
		prog := ir.Program{
			inst("define_int", "@main"),
			inst("literal_int", want, "%1"),
			inst("return_int", "%1"),
		}
		exit, _, _ := runProgram(t, prog, "")
		assert.Equal(t, want, exit)
	}
}

func TestDivision(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 7, "%1"),
		inst("literal_int", 2, "%2"),
		inst("div_int", "%1", "%2", "%3"),
		inst("print_int", "%3"),
		inst("print_void"),
		inst("literal_float", 7.0, "%4"),
		inst("literal_float", 2.0, "%5"),
		inst("div_float", "%4", "%5", "%6"),
		inst("print_float", "%6"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "3\n3.5\n", out)
}

func TestFlooredDivisionAndMod(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", -7, "%1"),
		inst("literal_int", 2, "%2"),
		inst("div_int", "%1", "%2", "%3"),
		inst("print_int", "%3"),
		inst("print_void"),
		inst("mod_int", "%1", "%2", "%4"),
		inst("print_int", "%4"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "-4\n1\n", out)
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 1, "%1"),
		inst("literal_int", 0, "%2"),
		inst("div_int", "%1", "%2", "%3"),
		inst("return_void"),
	}
	e := New(Config{Stdout: &bytes.Buffer{}, Errout: &bytes.Buffer{}})
	require.NoError(t, e.Load(prog))
	_, err := e.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestIllegalInputValue(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int", "%x"),
		inst("read_int", "%x"),
		inst("load_int", "%x", "%t"),
		inst("print_int", "%t"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, _ := runProgram(t, prog, "abc\n")
	assert.Equal(t, 0, exit)
	// The raw token is stored unchanged and execution continues.
	assert.Equal(t, "Illegal input value.\nabc\n", out)
}

func TestReadFloatAndChar(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_float", "%f"),
		inst("read_float", "%f"),
		inst("load_float", "%f", "%1"),
		inst("print_float", "%1"),
		inst("print_void"),
		inst("alloc_char", "%c"),
		inst("read_char", "%c"),
		inst("load_char", "%c", "%2"),
		inst("print_char", "%2"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "2.5 x\n")
	assert.Equal(t, "2.5\nx\n", out)
}

func TestReadThroughPointer(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int", "%x"),
		inst("get_int_*", "%x", "%p"),
		inst("read_int_*", "%p"),
		inst("load_int", "%x", "%t"),
		inst("print_int", "%t"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "8\n")
	assert.Equal(t, "8\n", out)
}

func TestUnexpectedEndOfInputIsFatal(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int", "%x"),
		inst("read_int", "%x"),
		inst("return_void"),
	}
	var out bytes.Buffer
	e := New(Config{Stdin: strings.NewReader(""), Stdout: &out, Errout: &bytes.Buffer{}})
	require.NoError(t, e.Load(prog))
	_, err := e.Run()
	require.Error(t, err)
	assert.Contains(t, out.String(), "Unexpected end of input file.")
}

func TestPointerRoundTrip(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("alloc_int", "%x"),
		inst("literal_int", 9, "%v"),
		inst("store_int", "%v", "%x"),
		inst("get_int_*", "%x", "%p"),
		inst("load_int_*", "%p", "%r"),
		inst("print_int", "%r"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "9\n", out)
}

func TestGlobalsLayout(t *testing.T) {
	prog := ir.Program{
		inst("global_int_4", "@a", []ir.Value{0, 1, 2, 3}),
		inst("global_string", "@.s", "hi"),
		inst("global_int", "@x", 5),
		inst("define_void", "@main"),
		inst("literal_int", 2, "%i"),
		inst("elem_int", "@a", "%i", "%p"),
		inst("load_int_*", "%p", "%r"),
		inst("print_int", "%r"),
		inst("print_string", "@.s"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, e := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "2hi\n", out)

	assert.Equal(t, 0, e.globals["@a"])
	assert.Equal(t, []ir.Value{0, 1, 2, 3}, e.memory[0:4])
	assert.Equal(t, "hi", e.memory[e.globals["@.s"]])
	assert.Equal(t, 5, e.memory[e.globals["@x"]])
	// The define cell holds @main's entry PC.
	assert.Equal(t, 3, e.memory[e.globals["@main"]])
	assert.Equal(t, 3, e.start)
}

func TestNestedArrayGlobalFlattens(t *testing.T) {
	prog := ir.Program{
		inst("global_int_2_2", "@m", []ir.Value{[]ir.Value{1, 2}, []ir.Value{3, 4}}),
		inst("define_void", "@main"),
		inst("return_void"),
	}
	_, _, e := runProgram(t, prog, "")
	assert.Equal(t, []ir.Value{1, 2, 3, 4}, e.memory[0:4])
}

func TestStringGlobalBlitSpreadsCharacters(t *testing.T) {
	prog := ir.Program{
		inst("global_string", "@.s", "abc"),
		inst("define_void", "@main"),
		inst("alloc_char_3", "%buf"),
		inst("store_char_3", "@.s", "%buf"),
		inst("literal_int", 1, "%i"),
		inst("elem_char", "%buf", "%i", "%p"),
		inst("load_char_*", "%p", "%r"),
		inst("print_char", "%r"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "b\n", out)
}

func TestShapedLoadCopiesRegion(t *testing.T) {
	prog := ir.Program{
		inst("global_int_3", "@a", []ir.Value{4, 5, 6}),
		inst("define_void", "@main"),
		inst("load_int_3", "@a", "%b"),
		inst("literal_int", 0, "%i"),
		inst("elem_int", "%b", "%i", "%p"),
		inst("load_int_*", "%p", "%r"),
		inst("print_int", "%r"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "4\n", out)
}

func TestCasts(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 3, "%1"),
		inst("sitofp", "%1", "%2"),
		inst("print_float", "%2"),
		inst("print_void"),
		inst("literal_float", 3.9, "%3"),
		inst("fptosi", "%3", "%4"),
		inst("print_int", "%4"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "3.0\n3\n", out)
}

func TestCharComparisonIsLexicographic(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_char", "'a'", "%1"),
		inst("literal_char", "'b'", "%2"),
		inst("lt_char", "%1", "%2", "%3"),
		inst("print_bool", "%3"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "True\n", out)
}

func TestLogicalOps(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 1, "%1"),
		inst("literal_int", 0, "%2"),
		inst("and_bool", "%1", "%2", "%3"),
		inst("print_bool", "%3"),
		inst("print_void"),
		inst("or_bool", "%1", "%2", "%4"),
		inst("print_bool", "%4"),
		inst("print_void"),
		inst("not_bool", "%2", "%5"),
		inst("print_bool", "%5"),
		inst("print_void"),
		inst("return_void"),
	}
	_, out, _ := runProgram(t, prog, "")
	assert.Equal(t, "False\nTrue\nTrue\n", out)
}

func TestUnknownOpcodeWarnsAndContinues(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("frobnicate_int", "%1"),
		inst("literal_int", 1, "%2"),
		inst("print_int", "%2"),
		inst("print_void"),
		inst("return_void"),
	}
	var out, errout bytes.Buffer
	e := New(Config{Stdout: &out, Errout: &errout})
	require.NoError(t, e.Load(prog))
	exit, err := e.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, exit)
	assert.Equal(t, "1\n", out.String())
	assert.Contains(t, errout.String(), "Warning: no handler for frobnicate_int")
}

func TestUndefinedNameIsFatal(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("print_int", "%missing"),
		inst("return_void"),
	}
	e := New(Config{Stdout: &bytes.Buffer{}, Errout: &bytes.Buffer{}})
	require.NoError(t, e.Load(prog))
	_, err := e.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "%missing")
}

func TestExecutionLimit(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		{Opcode: "loop:"},
		inst("jump", "loop:"),
	}
	e := New(Config{MaxSteps: 100, Stdout: &bytes.Buffer{}, Errout: &bytes.Buffer{}})
	require.NoError(t, e.Load(prog))
	_, err := e.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution limit exceeded")
}

func TestRecursion(t *testing.T) {
	// fact(n): if n <= 1 return 1 else return n * fact(n-1)
	prog := ir.Program{
		{Opcode: "define_int", Args: []ir.Value{"@fact"}, Params: []ir.Param{{Type: "int", Name: "%n"}}},
		inst("literal_int", 1, "%one"),
		inst("le_int", "%n", "%one", "%c"),
		inst("cbranch", "%c", "base:", "rec:"),
		{Opcode: "base:"},
		inst("return_int", "%one"),
		{Opcode: "rec:"},
		inst("sub_int", "%n", "%one", "%m"),
		inst("param_int", "%m"),
		inst("call", "@fact", "%sub"),
		inst("mul_int", "%n", "%sub", "%r"),
		inst("return_int", "%r"),
		inst("define_void", "@main"),
		inst("literal_int", 5, "%1"),
		inst("param_int", "%1"),
		inst("call", "@fact", "%2"),
		inst("print_int", "%2"),
		inst("print_void"),
		inst("return_void"),
	}
	exit, out, e := runProgram(t, prog, "")
	assert.Equal(t, 0, exit)
	assert.Equal(t, "120\n", out)
	assert.Equal(t, 5, e.Statistics().FunctionsCalled)
	assert.Equal(t, 5, e.Statistics().MaxCallDepth)
}

func TestDeterministicRerun(t *testing.T) {
	prog := ir.Program{
		inst("define_void", "@main"),
		inst("literal_int", 6, "%1"),
		inst("literal_int", 7, "%2"),
		inst("mul_int", "%1", "%2", "%3"),
		inst("print_int", "%3"),
		inst("print_void"),
		inst("return_void"),
	}
	exit1, out1, _ := runProgram(t, prog, "")
	exit2, out2, _ := runProgram(t, prog, "")
	assert.Equal(t, exit1, exit2)
	assert.Equal(t, out1, out2)
	assert.Equal(t, "42\n", out1)
}
