package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitForQuiescenceIdleDir(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	if err := WaitForQuiescence(context.Background(), dir, 50*time.Millisecond, slog.Default()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before settle period")
	}
}

func TestWaitForQuiescenceExtendsOnChanges(t *testing.T) {
	dir := t.TempDir()
	settle := 150 * time.Millisecond
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(60 * time.Millisecond)
			os.WriteFile(filepath.Join(dir, "img"+string(rune('0'+i))+".jpg"), []byte("x"), 0o644)
		}
	}()
	start := time.Now()
	if err := WaitForQuiescence(context.Background(), dir, settle, slog.Default()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// last write lands around 180ms, so the wait must outlast it by settle
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond+settle-20*time.Millisecond {
		t.Fatalf("wait ended too early: %s", elapsed)
	}
}

func TestWaitForQuiescenceCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForQuiescence(ctx, t.TempDir(), time.Hour, slog.Default())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWaitForQuiescenceMissingDir(t *testing.T) {
	err := WaitForQuiescence(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Second, slog.Default())
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestWatcherIgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.png"), []byte("x"), 0o644)

	select {
	case ev := <-w.Events:
		if filepath.Base(ev.Path) != "a.png" {
			t.Fatalf("unexpected event for %s", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for image file")
	}
}
