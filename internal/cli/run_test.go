package cli

import "testing"

func TestRunUnknownCommand(t *testing.T) {
	if code := Run([]string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := Run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunHelp(t *testing.T) {
	if code := Run([]string{"help"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunSyncRequiresExistingDatabases(t *testing.T) {
	if code := Run([]string{"sync", "missing-target.db", "missing-source.db"}); code != 1 {
		t.Fatalf("expected exit 1 for missing databases, got %d", code)
	}
}

func TestRunMappingRequiresSubcommand(t *testing.T) {
	if code := Run([]string{"mapping"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
