package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitConfigError  = 3
	ExitFetchFailed  = 4
	ExitStorageError = 5
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "version":
		fmt.Println("picfetch", version)
		return ExitSuccess
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: picfetch <command> [options]

Commands:
  fetch    Download and decode a batch of images, optionally saving them to a bucket
  serve    Serve decoded images over HTTP with a shared in-memory cache
  version  Print the version

Run 'picfetch <command> -h' for command-specific help.`)
}
