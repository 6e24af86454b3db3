package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_PauseResume(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if w.ShouldPause() {
		t.Fatal("expected not paused initially")
	}
	if err := w.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !w.ShouldPause() {
		t.Fatal("expected paused after Pause")
	}
	if err := w.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if w.ShouldPause() {
		t.Fatal("expected not paused after Resume")
	}
}

func TestWatcher_Kill(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if w.ShouldStop() {
		t.Fatal("expected not killed initially")
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !w.ShouldStop() {
		t.Fatal("expected killed after Kill")
	}
}

func TestWatcher_DetectsSentinelWrittenExternally(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, pauseFile), []byte("x"), 0644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !w.ShouldPause() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !w.ShouldPause() {
		t.Fatal("expected ShouldPause to observe externally written sentinel")
	}
}

func TestWatcher_ResumeWithoutPauseIsNotError(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Resume(); err != nil {
		t.Fatalf("Resume without prior pause: %v", err)
	}
}
