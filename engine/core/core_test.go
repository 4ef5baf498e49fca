package core

import (
	"strings"
	"sync"
	"testing"
)

func TestFrameMetricsAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.010)
	}
	if got := m.FrameTime(); got < 9.99 || got > 10.01 {
		t.Fatalf("expected average frame time of 10ms; got %f", got)
	}
}

func TestFrameMetricsFPS(t *testing.T) {
	m := NewFrameMetrics()
	// 101 frames of 10ms cross the one second boundary once.
	for i := 0; i < 101; i++ {
		m.Update(0.010)
	}
	if got := m.FPS(); got != 101 {
		t.Fatalf("expected 101 fps; got %f", got)
	}
}

func TestResourceLabel(t *testing.T) {
	a := NewResourceLabel("Blas")
	b := NewResourceLabel("Blas")
	if !strings.HasPrefix(a, "Blas-") {
		t.Fatalf("expected prefix Blas-; got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique labels; got %q twice", a)
	}
	if got := LabelOr("Scene", "Buffer"); got != "Scene" {
		t.Fatalf("expected explicit label to win; got %q", got)
	}
}

func TestLogSetLevel(t *testing.T) {
	if err := LogSetLevel("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := LogSetLevel("chatty"); err == nil {
		t.Fatalf("expected an error for an unknown level")
	}
	_ = LogSetLevel("info")
}

func TestLoggerSharedAcrossGoroutines(t *testing.T) {
	const n = 8
	got := make([]*logger, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = getLogger()
		}(i)
	}
	wg.Wait()
	for i, l := range got {
		if l == nil || l != got[0] {
			t.Fatalf("expected one shared logger; goroutine %d got %p, goroutine 0 got %p", i, l, got[0])
		}
	}
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	if c.Elapsed() != 0 {
		t.Fatalf("expected a stopped clock to report zero")
	}
	c.Start()
	c.Update()
	if c.Elapsed() < 0 {
		t.Fatalf("expected non-negative elapsed time")
	}
}
