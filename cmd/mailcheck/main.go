package main

import (
	"fmt"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Dispatch to a subcommand before flag parsing so the chosen function
	// owns its flags.
	var subcommand string
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand = args[0]
		args = args[1:]
	}

	switch subcommand {
	case "", "run":
		os.Exit(runOnce(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Println("mailcheck", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\nusage: mailcheck [run|watch|version] [flags]\n", subcommand)
		os.Exit(2)
	}
}
