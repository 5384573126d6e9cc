// Command vm loads a stackvm bytecode image and executes it, either via the
// portable interpreter or the amd64 template JIT (spec.md §6).
package main

import (
	"fmt"
	"os"

	"stackvm/vm"
	"stackvm/vm/jit"

	cli "github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "vm",
		Usage:     "Execute a stackvm bytecode image",
		ArgsUsage: "image",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "jit",
				Usage: "compile and run with the native template JIT instead of the interpreter",
			},
			&cli.BoolFlag{
				Name:  "gc-stats",
				Usage: "print GC stats after the run",
				Value: true,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("Usage: vm <image_path> [--jit] [--gc-stats=false]", 1)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not read image: %v", err), 1)
	}

	if c.Bool("jit") {
		return runJIT(image)
	}

	cfg := vm.Config{NoGCStats: !c.Bool("gc-stats")}
	machine := vm.New(image, cfg)
	os.Exit(vm.Run(machine, os.Stdin, os.Stdout, os.Stderr))
	return nil
}

// runJIT compiles the whole image and executes it natively. Per spec.md
// §4.3 there is no fallback to the interpreter: any opcode the template
// backend can't handle aborts the run with "JIT Compilation Failed".
func runJIT(image []byte) error {
	prog, err := jit.Compile(image, vm.M_MAX)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer prog.Release()

	top, err := prog.Run(vm.S_MAX, make([]int32, vm.M_MAX))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		prog.Release() // os.Exit skips the deferred Release
		os.Exit(1)
	}

	fmt.Printf("JIT Result: %d\n", top)
	return nil
}
