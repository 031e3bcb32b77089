// Package cli wires the steer subcommands: the serve supervisor, the worker
// entry point, mapping administration, and database sync.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

const version = "1.0.0"

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string) int {
	// A local .env is a convenience for development; absence is normal.
	_ = godotenv.Load()

	cmd := ""
	rest := args
	if len(args) > 0 {
		cmd = args[0]
		rest = args[1:]
	}

	switch cmd {
	case "", "serve":
		return runServe(rest)
	case "worker":
		return runWorker(rest)
	case "mapping":
		return runMapping(rest)
	case "sync":
		return runSync(rest)
	case "version", "-v", "--version":
		fmt.Println("steer " + version)
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`steer - resilient HTTP/HTTPS reverse proxy

Usage:
  steer [serve]                      start the supervisor and worker fleet
  steer worker                       run a single worker (set WORKER_ID)
  steer mapping add|list|remove ...  manage routing mappings
  steer mapping replace <db>         hot-swap the mapping database file
  steer sync <target_db> <source_db> sync mappings between databases
  steer version

Environment:
  HTTP_PORT, HTTPS_PORT, ENABLE_HTTPS, FORCE_HTTPS, DB_PATH, CERTS_DIR,
  ACME_DIRECTORY_URL, LOG_LEVEL, NODE_ENV, METRICS_PORT
`)
}
