package diagnostics

import (
	"os"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "hub-a")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Info("hub started on %s", "127.0.0.1:7800")
	l.Error("dispatch failed: %v", "boom")
	l.Close()

	data, err := os.ReadFile(l.SessionPath())
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "hub started on 127.0.0.1:7800") {
		t.Fatalf("expected info line in log, got %q", text)
	}
	if !strings.Contains(text, "dispatch failed: boom") {
		t.Fatalf("expected error line in log, got %q", text)
	}
}

func TestQuietSuppressesConsoleNotFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "hub-b")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.SetQuiet(true)
	l.Info("quiet message")
	l.Close()

	data, err := os.ReadFile(l.SessionPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "quiet message") {
		t.Fatalf("expected message still written to file when quiet")
	}
}

func TestGlobalFallsBackWithoutPanicking(t *testing.T) {
	SetGlobal(nil)
	GlobalInfo("no global logger set yet")
	GlobalError("still should not panic")
}
