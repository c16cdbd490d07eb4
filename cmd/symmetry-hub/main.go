package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o symmetry-hub ./cmd/symmetry-hub
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Bare invocation starts the hub; that is the common deployment path.
	if len(os.Args) < 2 {
		runStart(nil)
		return
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "delete-peer":
		runDeletePeer(os.Args[2:])
	case "version", "-V", "--version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("symmetry-hub %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: symmetry-hub [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start [-c path]              Start the hub (default when no command given)")
	fmt.Println("  delete-peer <key> [-c path]  Remove a provider from the directory")
	fmt.Println("  version                      Print version information")
	fmt.Println("  help                         Show this help")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config path   Config file (default ~/.config/symmetry/server.yaml)")
}
