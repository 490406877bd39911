package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestViewCommand(t *testing.T) {
	s := newTestSession(t)
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"text", []string{"view", "--file", path}, "main.work", false},
		{"speedscope", []string{"view", "--file", path, "--format", "speedscope"}, "speedscope.app", false},
		{"unknown format", []string{"view", "--file", path, "--format", "svg"}, "", true},
		{"nothing to view", []string{"view"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCommand()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Fatalf("expected %q in %s", tt.want, out.String())
			}
		})
	}
}
