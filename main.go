package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tensorlower/tensorlower/engine"
	"github.com/tensorlower/tensorlower/knobs"
	"tinygo.org/x/go-llvm"
)

func main() {
	var (
		printKnobsTo  string
		readKnobsFrom string
		tileSize      int
		tileSizeM     int
		tileSizeN     int
		tileSizeK     int
		unrollFactor  int
		noMemcpy      bool
		outPath       string
		showVersion   bool
	)

	def := knobs.DefaultConfig()
	flag.StringVar(&printKnobsTo, "print-knobs-to", "", "enumerate legal tile/unroll knobs for every tensor intrinsic and write them as JSON to this path, without lowering")
	flag.StringVar(&readKnobsFrom, "read-knobs-from", "", "read a knob JSON file and use it to tune lowering")
	flag.IntVar(&tileSize, "tile-size", def.TileSize, "default elementwise tile size")
	flag.IntVar(&tileSizeM, "tile-size-m", def.TileSizeM, "default matmul/transpose/reduce M tile size")
	flag.IntVar(&tileSizeN, "tile-size-n", def.TileSizeN, "default matmul/transpose/reduce N tile size")
	flag.IntVar(&tileSizeK, "tile-size-k", def.TileSizeK, "default matmul K tile size")
	flag.IntVar(&unrollFactor, "unroll-factor", def.InnerLoopUnrollFactor, "default innermost loop unroll factor (0 disables)")
	flag.BoolVar(&noMemcpy, "no-memcpy", false, "use typed-store seeding instead of memcpy seeding for loaded tensors")
	flag.StringVar(&outPath, "o", "", "output path for the lowered IR (defaults to <input>.lowered.ll)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		printVersion()
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tensorlower [flags] <input.ll>")
		os.Exit(2)
	}
	inPath := flag.Arg(0)

	cfg := knobs.Defaults{
		TileSize:              tileSize,
		TileSizeM:             tileSizeM,
		TileSizeN:             tileSizeN,
		TileSizeK:             tileSizeK,
		InnerLoopUnrollFactor: unrollFactor,
		MemcpyMode:            !noMemcpy,
	}

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	buf, err := llvm.NewMemoryBufferFromFile(inPath)
	if err != nil {
		fmt.Printf("⚠️ Failed to read %q: %v\n", inPath, err)
		os.Exit(1)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		fmt.Printf("⚠️ Failed to parse LLVM IR from %q: %v\n", inPath, err)
		os.Exit(1)
	}

	printMode := printKnobsTo != ""

	var knobSet knobs.Set
	if readKnobsFrom != "" {
		knobSet, err = knobs.ReadFrom(readKnobsFrom)
		if err != nil {
			fmt.Printf("⚠️ Failed to read knob file %q: %v\n", readKnobsFrom, err)
			os.Exit(1)
		}
	}

	result, err := engine.Run(ctx, mod, cfg, knobSet, printMode)
	if err != nil {
		fmt.Printf("⚠️ Lowering failed: %v\n", err)
		os.Exit(1)
	}

	if printMode {
		if err := knobs.WriteTo(printKnobsTo, result.Schema); err != nil {
			fmt.Printf("⚠️ Failed to write knob schema to %q: %v\n", printKnobsTo, err)
			os.Exit(1)
		}
		fmt.Printf("✅ Wrote knob schema for %d function(s) to %s\n", result.FunctionsProcessed, printKnobsTo)
		return
	}

	if outPath == "" {
		outPath = inPath + ".lowered.ll"
	}
	if err := os.WriteFile(outPath, []byte(mod.String()), 0644); err != nil {
		fmt.Printf("⚠️ Failed to write lowered IR to %q: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("✅ Lowered %d function(s); wrote %s\n", result.FunctionsProcessed, outPath)
}
