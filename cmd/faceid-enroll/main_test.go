package main

import "testing"

func TestOnlyLoadMigratesSchema(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{name: "load", want: true},
		{name: "count", want: false},
		{name: "match", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{tt.name})
			if err != nil || cmd.Name() != tt.name {
				t.Fatalf("command %q not registered: %v", tt.name, err)
			}
			if got := needsMigration(cmd); got != tt.want {
				t.Fatalf("needsMigration(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestLoadDryRunSkipsMigration(t *testing.T) {
	if err := loadCmd.Flags().Set("dry-run", "true"); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	t.Cleanup(func() { loadCmd.Flags().Set("dry-run", "false") }) //nolint:errcheck

	if needsMigration(loadCmd) {
		t.Fatal("expected a dry run to leave the schema alone")
	}
}
