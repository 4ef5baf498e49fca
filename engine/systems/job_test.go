package systems

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

func TestNewJobSystemErrors(t *testing.T) {
	if _, err := NewJobSystem(0, 1); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers; got %v", err)
	}
	if _, err := NewJobSystem(1, -1); !errors.Is(err, ErrNegativeChannelSize) {
		t.Fatalf("expected ErrNegativeChannelSize; got %v", err)
	}
}

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(2, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if js.Workers() != 2 {
		t.Fatalf("expected 2 workers; got %d", js.Workers())
	}
	var ok, failed, done atomic.Int32
	boom := errors.New("boom")
	for i := 0; i < 8; i++ {
		fail := i%2 == 1
		err := js.Submit(metadata.JobTask{
			Name: "test",
			Run: func() error {
				if fail {
					return boom
				}
				return nil
			},
			OnComplete: func() { ok.Add(1) },
			OnFailure: func(err error) {
				if errors.Is(err, boom) {
					failed.Add(1)
				}
			},
			OnCompletionCallback: func() { done.Add(1) },
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ok.Load() != 4 || failed.Load() != 4 || done.Load() != 8 {
		t.Fatalf("unexpected counts ok=%d failed=%d done=%d", ok.Load(), failed.Load(), done.Load())
	}
	if err := js.Submit(metadata.JobTask{Run: func() error { return nil }}); !errors.Is(err, ErrJobSystemClosed) {
		t.Fatalf("expected ErrJobSystemClosed; got %v", err)
	}
	if err := js.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
