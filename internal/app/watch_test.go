package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitForFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil && strings.Contains(string(b), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never contained %q", path, want)
}

func TestWatch_RewritesAgainOnContentChange(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><article><p>Edition %d. %s</p></article></body></html>",
			version.Load(), strings.Repeat("Plenty of words in this story. ", 30))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "watched.html")
	a, err := New(context.Background(), Config{
		InputPath:     srv.URL + "/story",
		OutputPath:    out,
		DryRun:        true,
		DisableImages: true,
		Watch:         true,
		WatchInterval: 30 * time.Millisecond,
		SettleDelay:   5 * time.Millisecond,
		RescanWindow:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForFile(t, out, "Edition 1.")
	version.Store(2)
	waitForFile(t, out, "Edition 2.")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatch_DisabledPreferenceWritesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><article><p>"+strings.Repeat("word ", 200)+"</p></article></body></html>")
	}))
	defer srv.Close()

	dir := t.TempDir()
	prefs := filepath.Join(dir, "prefs.yaml")
	if err := os.WriteFile(prefs, []byte("isEnabled: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.html")
	a, err := New(context.Background(), Config{
		InputPath: srv.URL, OutputPath: out, DryRun: true, DisableImages: true,
		Watch: true, WatchInterval: 20 * time.Millisecond, PreferencesFile: prefs,
		SettleDelay: 5 * time.Millisecond, RescanWindow: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("disabled watch should not write output, stat err=%v", err)
	}

	// Enabling through the file takes effect on a later poll.
	if err := os.WriteFile(prefs, []byte("isEnabled: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, out, "word word")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
