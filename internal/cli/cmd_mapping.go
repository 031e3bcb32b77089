package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/koltyakov/steer/internal/config"
	"github.com/koltyakov/steer/internal/store/sqlite"
)

// runMapping implements the mapping administration surface against the same
// database file the proxy routes from; WAL mode keeps the proxy's readers
// consistent while we write.
func runMapping(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: steer mapping add|list|remove [flags]")
		return 2
	}

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	switch args[0] {
	case "add":
		return mappingAdd(cfg.DBPath, args[1:])
	case "list":
		return mappingList(cfg.DBPath, args[1:])
	case "remove", "rm":
		return mappingRemove(cfg.DBPath, args[1:])
	case "replace":
		return mappingReplace(cfg.DBPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown mapping command: %s\n", args[0])
		return 2
	}
}

func mappingAdd(dbPath string, args []string) int {
	fs := flag.NewFlagSet("mapping add", flag.ContinueOnError)
	domainFlag := fs.String("domain", "", "Host to match, e.g. app.example.com")
	frontURI := fs.String("front-uri", "", "Path prefix to match (may be empty)")
	backPort := fs.Int("back-port", 0, "Loopback destination port")
	backURI := fs.String("back-uri", "", "Path fragment substituted upstream")
	backend := fs.String("backend", "", "External base URL override (optional)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*domainFlag) == "" {
		fmt.Fprintln(os.Stderr, "missing --domain")
		return 2
	}
	if *backPort == 0 {
		fmt.Fprintln(os.Stderr, "missing --back-port")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	m, err := store.Add(context.Background(), *domainFlag, *frontURI, *backPort, *backURI, *backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, "add mapping:", err)
		return 1
	}
	fmt.Printf("added %s: %s /%s -> :%d /%s\n", m.ID, m.Domain, m.FrontURI, m.BackPort, m.BackURI)
	return 0
}

func mappingList(dbPath string, args []string) int {
	fs := flag.NewFlagSet("mapping list", flag.ContinueOnError)
	domainFlag := fs.String("domain", "", "Only list mappings for this host")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	mappings, err := store.GetAll(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "list mappings:", err)
		return 1
	}

	count := 0
	for _, m := range mappings {
		if *domainFlag != "" && m.Domain != strings.ToLower(strings.TrimSpace(*domainFlag)) {
			continue
		}
		backend := m.Backend
		if backend == "" {
			backend = "http://localhost"
		}
		fmt.Printf("%s  %-30s /%-20s -> %s:%d/%s\n", m.ID, m.Domain, m.FrontURI, backend, m.BackPort, m.BackURI)
		count++
	}
	if count == 0 {
		fmt.Println("no mappings")
	}
	return 0
}

func mappingRemove(dbPath string, args []string) int {
	fs := flag.NewFlagSet("mapping remove", flag.ContinueOnError)
	domainFlag := fs.String("domain", "", "Host whose mappings to remove")
	frontURI := fs.String("front-uri", "", "Only remove the mapping with this front URI")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*domainFlag) == "" {
		fmt.Fprintln(os.Stderr, "missing --domain")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	var front *string
	if flagWasSet(fs, "front-uri") {
		front = frontURI
	}
	removed, err := store.Delete(context.Background(), strings.ToLower(strings.TrimSpace(*domainFlag)), front)
	if err != nil {
		fmt.Fprintln(os.Stderr, "remove mapping:", err)
		return 1
	}
	fmt.Printf("removed %d mapping(s)\n", removed)
	return 0
}

// mappingReplace hot-swaps the live database file for a prepared candidate.
// The candidate is verified before the current file is touched.
func mappingReplace(dbPath string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: steer mapping replace <candidate_db>")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if err := store.HotReplace(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "hot replace:", err)
		return 1
	}
	fmt.Printf("replaced %s with %s\n", dbPath, args[0])
	return 0
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
