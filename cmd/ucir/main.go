package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uc-lang/ucir/pkg/debugger"
	"github.com/uc-lang/ucir/pkg/ir"
	"github.com/uc-lang/ucir/pkg/version"
	"github.com/uc-lang/ucir/pkg/vm"
)

var (
	debugMode       bool
	memSize         int
	maxSteps        int
	verbose         bool
	showVersion     bool
	showVersionFull bool
)

var rootCmd = &cobra.Command{
	Use:   "ucir [program.uir]",
	Short: "uCIR interpreter " + version.GetVersion(),
	Long: `ucir - interpreter for the uC intermediate representation

Loads a uCIR program, places its globals and function entry points in a
cell-addressed memory, and interprets the instruction stream starting at
@main. The process exits with the value returned from @main.

EXAMPLES:
  ucir program.uir              # run a program
  ucir program.uir -d           # run under the interactive debugger (idb)
  ucir program.uir --mem 65536  # give the program more memory cells

DEBUGGER COMMANDS (with -d):
  s/step, g/go <pc>, l/list, e/ex <name>, v/view, r/run, q/quit, h/help`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersion())
			return
		}
		if showVersionFull {
			fmt.Println(version.GetFullVersion())
			return
		}
		if len(args) == 0 {
			cmd.Help()
			os.Exit(0)
		}

		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading program: %v\n", err)
			os.Exit(1)
		}
		prog, err := ir.Parse(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing program: %v\n", err)
			os.Exit(1)
		}

		config := vm.Config{
			MemorySize: memSize,
			MaxSteps:   maxSteps,
			Debug:      debugMode,
		}
		if debugMode {
			config.Stepper = debugger.New(nil)
		}

		engine := vm.New(config)
		if err := engine.Load(prog); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading program: %v\n", err)
			os.Exit(1)
		}
		exit, err := engine.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Runtime error: %v\n", err)
			os.Exit(1)
		}
		if verbose {
			stats := engine.Statistics()
			fmt.Fprintf(os.Stderr, "\nExecution statistics:\n")
			fmt.Fprintf(os.Stderr, "  Instructions executed: %d\n", stats.InstructionsExecuted)
			fmt.Fprintf(os.Stderr, "  Functions called:      %d\n", stats.FunctionsCalled)
			fmt.Fprintf(os.Stderr, "  Max call depth:        %d\n", stats.MaxCallDepth)
		}
		os.Exit(exit)
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "run under the interactive debugger")
	rootCmd.Flags().IntVar(&memSize, "mem", vm.DefaultMemorySize, "memory size in cells")
	rootCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "maximum execution steps, 0 for unlimited")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print execution statistics")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version")
	rootCmd.Flags().BoolVar(&showVersionFull, "version-full", false, "print detailed version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
