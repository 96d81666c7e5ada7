package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRecorderCounters(t *testing.T) {
	r := New()
	r.ObserveConversion("Surface", true, 5*time.Millisecond)
	r.ObserveConversion("Surface", false, time.Millisecond)
	r.ObserveConversion("Contour", true, time.Millisecond)

	if v := r.Value("conversions_total", map[string]string{"kind": "Surface", "result": "success"}); v != 1 {
		t.Errorf("expected 1 successful surface conversion, got %v", v)
	}
	if v := r.Value("conversions_total", map[string]string{"kind": "Surface"}); v != 2 {
		t.Errorf("expected 2 surface conversions, got %v", v)
	}
	if v := r.Value("conversions_total", nil); v != 3 {
		t.Errorf("expected 3 conversions, got %v", v)
	}

	r.WorkerStarted()
	r.WorkerStarted()
	r.WorkerStopped()
	if v := r.Value("workers_active", nil); v != 1 {
		t.Errorf("expected 1 active worker, got %v", v)
	}

	r.AddInterpolatedSlices(4)
	r.AddInterpolatedSlices(0)
	if v := r.Value("interpolation_slices_total", nil); v != 4 {
		t.Errorf("expected 4 slices, got %v", v)
	}
}

func TestWriteText(t *testing.T) {
	r := New()
	r.ObserveTask("interpolateLabelmap", true, time.Millisecond)
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(buf.String(), `segmentation_worker_tasks_total{result="success",task="interpolateLabelmap"} 1`) {
		t.Errorf("unexpected exposition:\n%s", buf.String())
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveConversion("Labelmap", true, 0)
	r.ObserveTask("x", false, 0)
	r.WorkerStarted()
	r.WorkerStopped()
	r.AddInterpolatedSlices(3)
	if v := r.Value("conversions_total", nil); v != 0 {
		t.Errorf("expected zero from nil recorder, got %v", v)
	}
	if err := r.WriteText(&bytes.Buffer{}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
