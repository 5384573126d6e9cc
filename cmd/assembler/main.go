// Command assembler turns stackvm assembly source into a raw bytecode
// image (spec.md §4.1, §6).
package main

import (
	"fmt"
	"os"
	"sort"

	"stackvm/vm"

	cli "github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "assembler",
		Usage:     "Assemble stackvm source into a bytecode image",
		ArgsUsage: "input.asm output.bin",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "also write output.bin.sym, a label->address symbol map",
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
	args := c.Args()
	if args.Len() < 2 {
		return cli.Exit("Usage: assembler <input.asm> <output.bin> [--debug]", 1)
	}
	inPath, outPath := args.Get(0), args.Get(1)

	src, err := os.Open(inPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not open %s: %v", inPath, err), 1)
	}
	defer src.Close()

	image, labels, err := vm.AssembleWithSymbols(src)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if err := os.WriteFile(outPath, image, 0o644); err != nil {
		return cli.Exit(fmt.Sprintf("could not write %s: %v", outPath, err), 1)
	}

	if c.Bool("debug") {
		if err := writeSymbols(outPath+".sym", labels); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	return nil
}

// writeSymbols writes one "label address\n" line per entry, sorted by
// address so the file reads top-to-bottom like the program it describes.
func writeSymbols(path string, labels map[string]int) error {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return labels[names[i]] < labels[names[j]] })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	defer f.Close()

	for _, name := range names {
		if _, err := fmt.Fprintf(f, "%s %d\n", name, labels[name]); err != nil {
			return err
		}
	}
	return nil
}
