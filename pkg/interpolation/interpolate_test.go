package interpolation

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
	"segmentation3d/pkg/segmentation"
	"segmentation3d/pkg/workers"
)

type fixture struct {
	store    *segmentation.Store
	caches   *cache.Memory
	rec      *metrics.Recorder
	ip       *Interpolator
	progress []events.Event
	modified []events.Event
}

func newFixture(t *testing.T, compress bool) *fixture {
	t.Helper()
	logger := logging.NewStdLogger(io.Discard, logging.SilentMode)
	bus := events.NewBus()
	f := &fixture{
		store:  segmentation.NewStore(segmentation.Options{Bus: bus, Logger: logger}),
		caches: cache.MustNewMemory(cache.DefaultSizes),
		rec:    metrics.New(),
	}
	f.ip = New(Options{
		Store:       f.store,
		Caches:      f.caches.Caches(),
		PoolOptions: workers.Options{Capacity: 1, IdleTimeout: time.Second},
		Compress:    compress,
		Logger:      logger,
		Metrics:     f.rec,
	})
	t.Cleanup(f.ip.Close)
	bus.Subscribe(events.WorkerProgress, func(e events.Event) { f.progress = append(f.progress, e) })
	bus.Subscribe(events.DataModified, func(e events.Event) { f.modified = append(f.modified, e) })
	return f
}

// gapVolume has segment 1 on slices 0 and 4 only.
func gapVolume(id string) *models.Volume {
	vol := newVolume(id, 10, 10, 5)
	paint(vol, 0, 2, 5, 2, 5, 1)
	paint(vol, 4, 2, 5, 2, 5, 1)
	return vol
}

func (f *fixture) addSegmentation(t *testing.T, segID string, data models.RepresentationData) {
	t.Helper()
	err := f.store.AddSegmentations([]segmentation.SegmentationInput{{SegmentationID: segID, Data: data}})
	if err != nil {
		t.Fatalf("AddSegmentations failed: %v", err)
	}
}

func TestInterpolateLabelmap(t *testing.T) {
	for _, compress := range []bool{false, true} {
		f := newFixture(t, compress)
		vol := gapVolume("v1")
		f.caches.PutVolume(vol)
		f.addSegmentation(t, "seg1", models.LabelmapVolume{VolumeID: "v1"})

		if f.ip.pool != nil {
			t.Fatal("pool created before first use")
		}
		res, err := f.ip.InterpolateLabelmap(context.Background(), "seg1", 1, Config{Axis: 2})
		if err != nil {
			t.Fatalf("compress=%v: InterpolateLabelmap failed: %v", compress, err)
		}
		if !f.ip.pool.Registered(TaskType) {
			t.Error("task handler not registered")
		}
		if res.Status != StatusCompleted || len(res.Failed) != 0 {
			t.Errorf("compress=%v: result = %+v", compress, res)
		}
		if countLabel(vol, 2, 1) != 16 {
			t.Errorf("compress=%v: cached volume not updated", compress)
		}
		if len(f.modified) != 1 || !reflect.DeepEqual(f.modified[0].SliceIndices, []int{1, 2, 3}) {
			t.Errorf("compress=%v: DataModified = %+v", compress, f.modified)
		}
		if len(f.progress) != 1 || f.progress[0].Progress != 100 || f.progress[0].TaskType != TaskType {
			t.Errorf("compress=%v: progress = %+v", compress, f.progress)
		}
		if got := f.rec.Value("interpolation_slices_total", nil); got != 3 {
			t.Errorf("compress=%v: interpolated slices = %v, want 3", compress, got)
		}
	}
}

func TestMiddleVolumeFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, false)
	f.caches.PutVolume(gapVolume("v0"))
	broken := gapVolume("v1")
	broken.ScalarData = broken.ScalarData[:10]
	f.caches.PutVolume(broken)
	f.caches.PutVolume(gapVolume("v2"))
	f.addSegmentation(t, "seg1", models.LabelmapVolume{VolumeID: "v0", GroupVolumeIDs: []string{"v1", "v2"}})

	res, err := f.ip.InterpolateLabelmap(context.Background(), "seg1", 1, Config{Axis: 2})
	if err != nil {
		t.Fatalf("InterpolateLabelmap returned %v", err)
	}
	if res.Status != StatusFailed || !reflect.DeepEqual(res.Failed, []string{"v1"}) {
		t.Errorf("result = %+v, want v1 failed", res)
	}

	var got []int
	for _, e := range f.progress {
		got = append(got, e.Progress)
		if e.TaskID != res.TaskID {
			t.Errorf("progress task id = %q, want %q", e.TaskID, res.TaskID)
		}
	}
	if want := []int{33, 67, 100}; !reflect.DeepEqual(got, want) {
		t.Errorf("progress = %v, want %v", got, want)
	}

	var volumes []string
	for _, e := range f.modified {
		volumes = append(volumes, e.VolumeID)
	}
	if want := []string{"v0", "v2"}; !reflect.DeepEqual(volumes, want) {
		t.Errorf("DataModified volumes = %v, want %v", volumes, want)
	}
	if got := f.rec.Value("worker_tasks_total", map[string]string{"task": TaskType, "result": "error"}); got != 1 {
		t.Errorf("failed tasks = %v, want 1", got)
	}
}

func TestMissingVolumeIsPerVolumeFailure(t *testing.T) {
	f := newFixture(t, false)
	f.caches.PutVolume(gapVolume("v0"))
	f.addSegmentation(t, "seg1", models.LabelmapVolume{VolumeID: "v0", GroupVolumeIDs: []string{"gone"}})

	res, err := f.ip.InterpolateLabelmap(context.Background(), "seg1", 1, Config{Axis: 2})
	if err != nil {
		t.Fatalf("InterpolateLabelmap returned %v", err)
	}
	if !reflect.DeepEqual(res.Failed, []string{"gone"}) {
		t.Errorf("failed = %v, want [gone]", res.Failed)
	}
	if len(f.progress) != 2 {
		t.Errorf("progress events = %d, want 2", len(f.progress))
	}
}

func TestInterpolateLabelmapErrors(t *testing.T) {
	f := newFixture(t, false)
	refs := models.NewImageReferenceMap()
	refs.Add("src", "derived")
	f.addSegmentation(t, "stack", models.LabelmapStack{ImageIDReferenceMap: refs})

	tests := []struct {
		name  string
		segID string
		index int
		cfg   Config
		want  error
	}{
		{"unknown segmentation", "nope", 1, Config{Axis: 2}, segmentation.ErrNotFoundSentinel},
		{"no backing volume", "stack", 1, Config{Axis: 2}, segmentation.ErrMissingReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ip.InterpolateLabelmap(context.Background(), tt.segID, tt.index, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	f.caches.PutVolume(gapVolume("v"))
	f.addSegmentation(t, "vol", models.LabelmapVolume{VolumeID: "v"})
	if _, err := f.ip.InterpolateLabelmap(context.Background(), "vol", 0, Config{Axis: 2}); err == nil {
		t.Error("expected error for segment 0")
	}
	if _, err := f.ip.InterpolateLabelmap(context.Background(), "vol", 1, Config{Axis: 7}); err == nil {
		t.Error("expected error for axis 7")
	}
	if len(f.progress) != 0 {
		t.Errorf("rejected calls emitted %d progress events", len(f.progress))
	}
}

func TestTaskPayloadCompression(t *testing.T) {
	vol := gapVolume("v")
	p := Params{SegmentIndex: 1, Axis: AllAxes, HeuristicAlignment: true, PreviewSegmentIndex: 9}

	plain := newTask(vol, p, false)
	packed := newTask(vol, p, true)
	a, err := plain.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg failed: %v", err)
	}
	b, err := packed.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg failed: %v", err)
	}
	if len(b) >= len(a) {
		t.Errorf("compressed payload %d bytes, plain %d", len(b), len(a))
	}

	var decoded Task
	if _, err := decoded.UnmarshalMsg(b); err != nil {
		t.Fatalf("UnmarshalMsg failed: %v", err)
	}
	got, err := decoded.volume()
	if err != nil {
		t.Fatalf("volume failed: %v", err)
	}
	if !reflect.DeepEqual(got.ScalarData, vol.ScalarData) || got.Dimensions != vol.Dimensions || got.Direction != vol.Direction {
		t.Error("decoded volume differs from source")
	}
	if decoded.Params != p {
		t.Errorf("params = %+v, want %+v", decoded.Params, p)
	}
}
