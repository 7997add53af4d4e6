package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultEndpoint = "http://localhost:7090"
	endpointEnv     = "VESTCTL_ENDPOINT"
	tokenEnv        = "VESTCTL_TOKEN"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "curve":
		return runCurve(args[1:], stdout, stderr)
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "claim":
		return runClaim(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: vestctl <command> [flags]",
		"",
		"Commands:",
		"  curve    print the unlock curve of a schedule without contacting the daemon",
		"  create   create and fund a vesting schedule",
		"  get      show a schedule as of now",
		"  status   show a schedule at --at (unix seconds)",
		"  claim    release everything vested so far to the beneficiary",
		"  balance  show a custody balance",
		"  token    mint a bearer token for an account",
		"",
		"Remote commands read --endpoint (or $" + endpointEnv + ") and --token (or $" + tokenEnv + ").",
	}, "\n")
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}
