// Command ia32run boots a flat binary image on the software IA-32 machine
// and runs it to HLT or a host interrupt.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/ia32-core/core_engine"
	"example.com/ia32-core/core_engine/cpu"
)

func main() {
	verbose := flag.Bool("v", false, "enable verbose logging")
	memoryFlag := flag.Uint64("memory", 16<<20, "guest memory size in bytes")
	vramFlag := flag.Uint64("vram", 4<<20, "VGA framebuffer size in bytes")
	loadAddr := flag.Uint64("load-addr", 0x0, "physical address to load the image at")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: ia32run [flags] <image>")
	}
	imagePath := flag.Arg(0)

	printIfVerbose(*verbose, "Reading image %s...", imagePath)
	image, err := os.ReadFile(imagePath)
	if err != nil {
		log.Fatalf("read image: %v", err)
	}

	printIfVerbose(*verbose, "Allocating %d bytes of guest memory...", *memoryFlag)
	m, err := core_engine.NewMachine(int(*memoryFlag), int(*vramFlag))
	if err != nil {
		log.Fatalf("create machine: %v", err)
	}
	defer m.Close()

	if err := m.LoadImage(image, uint32(*loadAddr)); err != nil {
		log.Fatalf("load image: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	printIfVerbose(*verbose, "Running machine...")
	start := time.Now()

	const stepBudget = 1_000_000
runLoop:
	for {
		select {
		case <-sigCh:
			printIfVerbose(*verbose, "Signal received, stopping.")
			break runLoop
		default:
		}

		reason := m.Step(stepBudget)
		if reason == cpu.ExitHLT {
			printIfVerbose(*verbose, "CPU halted.")
			break runLoop
		}
		if m.ShutdownRequested() {
			printIfVerbose(*verbose, "ACPI soft-off requested.")
			break runLoop
		}
	}

	printIfVerbose(*verbose, "Total execution time: %s", time.Since(start))
}

func printIfVerbose(verbose bool, format string, v ...interface{}) {
	if verbose {
		log.Printf(format, v...)
	}
}
