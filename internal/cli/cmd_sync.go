package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/steer/internal/store/sqlite"
)

// runSync copies mapping changes from a source database into a target one,
// driven by the .lastsync watermark in the working directory.
func runSync(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: steer sync <target_db> <source_db>")
		fmt.Fprintln(os.Stderr, "  Syncs mappings from source to target SQLite database.")
		return 1
	}
	targetPath, sourcePath := args[0], args[1]

	if _, err := os.Stat(sourcePath); err != nil {
		fmt.Fprintf(os.Stderr, "source database %q does not exist\n", sourcePath)
		return 1
	}
	if _, err := os.Stat(targetPath); err != nil {
		fmt.Fprintf(os.Stderr, "target database %q does not exist\n", targetPath)
		return 1
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve working directory:", err)
		return 1
	}

	res, err := sqlite.Sync(context.Background(), targetPath, sourcePath, cwd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		return 1
	}
	fmt.Printf("Sync complete: %d inserted, %d updated\n", res.Inserted, res.Updated)
	return 0
}
