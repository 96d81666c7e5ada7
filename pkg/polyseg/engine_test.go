package polyseg

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
	"segmentation3d/pkg/segmentation"
)

type fixture struct {
	store  *segmentation.Store
	caches *cache.Memory
	engine *Engine
	rec    *metrics.Recorder
	logBuf *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.NewStdLogger(&buf, logging.DebugMode)
	store := segmentation.NewStore(segmentation.Options{Logger: logger})
	mem := cache.MustNewMemory(cache.DefaultSizes)
	rec := metrics.New()
	return &fixture{
		store:  store,
		caches: mem,
		engine: NewEngine(Options{Store: store, Caches: mem.Caches(), Logger: logger, Metrics: rec}),
		rec:    rec,
		logBuf: &buf,
	}
}

func testVolume(id string, dims [3]int) *models.Volume {
	return &models.Volume{
		ID:         id,
		Dimensions: dims,
		Spacing:    [3]float64{1, 1, 1},
		Direction:  models.IdentityDirection,
		ScalarData: make([]uint8, dims[0]*dims[1]*dims[2]),
	}
}

func (f *fixture) addLabelmap(t *testing.T, segID string, vol *models.Volume) {
	t.Helper()
	f.caches.PutVolume(vol)
	err := f.store.AddSegmentations([]segmentation.SegmentationInput{{
		SegmentationID: segID,
		Data:           models.LabelmapVolume{VolumeID: vol.ID},
	}})
	if err != nil {
		t.Fatalf("AddSegmentations failed: %v", err)
	}
}

func TestConversionGraph(t *testing.T) {
	tests := []struct {
		from, to models.RepresentationKind
		want     bool
	}{
		{models.Labelmap, models.Surface, true},
		{models.Labelmap, models.Contour, true},
		{models.Contour, models.Labelmap, true},
		{models.Contour, models.Surface, true},
		{models.Surface, models.Labelmap, true},
		{models.Surface, models.Contour, false},
		{models.Labelmap, models.Labelmap, false},
	}
	for _, tt := range tests {
		if got := CanConvert(tt.from, tt.to); got != tt.want {
			t.Errorf("CanConvert(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanComputeRequiresConversionPolicy(t *testing.T) {
	f := newFixture(t)
	vol := testVolume("v1", [3]int{4, 4, 1})
	vol.ScalarData[5] = 1
	f.addLabelmap(t, "seg1", vol)

	uid, err := f.store.AddSegmentationRepresentation("vp1", segmentation.RepresentationInput{
		SegmentationID: "seg1",
		Kind:           models.Contour,
	})
	if err != nil {
		t.Fatalf("AddSegmentationRepresentation failed: %v", err)
	}
	if f.engine.CanComputeRequestedRepresentation(uid) {
		t.Error("expected false with conversion disabled")
	}

	if err := f.store.SetConversionPolicy(uid, true); err != nil {
		t.Fatalf("SetConversionPolicy failed: %v", err)
	}
	if !f.engine.CanComputeRequestedRepresentation(uid) {
		t.Error("expected true with conversion enabled and a valid labelmap")
	}
	if f.engine.CanComputeRequestedRepresentation("missing") {
		t.Error("expected false for unknown representation")
	}
}

func TestInvalidSourceIsExcludedAndLogged(t *testing.T) {
	f := newFixture(t)
	err := f.store.AddSegmentations([]segmentation.SegmentationInput{{
		SegmentationID: "seg1",
		Data:           models.LabelmapVolume{VolumeID: "not-cached"},
	}})
	if err != nil {
		t.Fatalf("AddSegmentations failed: %v", err)
	}
	uid, err := f.store.AddSegmentationRepresentation("vp1", segmentation.RepresentationInput{
		SegmentationID:    "seg1",
		Kind:              models.Surface,
		ConversionEnabled: true,
	})
	if err != nil {
		t.Fatalf("AddSegmentationRepresentation failed: %v", err)
	}
	if f.engine.CanComputeRequestedRepresentation(uid) {
		t.Error("expected false when the only source fails validation")
	}
	if !strings.Contains(f.logBuf.String(), "excluded as conversion source") {
		t.Errorf("expected a logged warning, got %q", f.logBuf.String())
	}

	seg, _ := f.store.GetSegmentation("seg1")
	if err := f.engine.Validate(seg.RepresentationData[models.Labelmap]); !errors.Is(err, segmentation.ErrValidationFailed) {
		t.Errorf("expected ErrValidationFailed, got %v", err)
	}
}

func TestComputeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ComputeAndAddSurfaceRepresentation(ctx, "nope", ConversionContext{})
	if !errors.Is(err, segmentation.ErrNotFoundSentinel) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := f.store.AddSegmentations([]segmentation.SegmentationInput{{SegmentationID: "empty"}}); err != nil {
		t.Fatalf("AddSegmentations failed: %v", err)
	}
	_, err = f.engine.ComputeAndAddSurfaceRepresentation(ctx, "empty", ConversionContext{})
	if !errors.Is(err, segmentation.ErrConversionUnavailable) {
		t.Errorf("expected conversion unavailable, got %v", err)
	}
}

// TestSameKeyAwaitsInFlight checks a second request for the same segmentation
// and kind shares the first computation.
func TestSameKeyAwaitsInFlight(t *testing.T) {
	f := newFixture(t)
	vol := testVolume("v1", [3]int{4, 4, 1})
	vol.ScalarData[0] = 1
	f.addLabelmap(t, "seg1", vol)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	f.engine.converters[edge{models.Labelmap, models.Contour}] = func(context.Context, *models.Segmentation, ConversionContext) (models.RepresentationData, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return models.ContourData{GeometryIDs: []string{"g1"}}, nil
	}

	results := make([]models.ContourData, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = f.engine.ComputeAndAddContourRepresentation(context.Background(), "seg1", ConversionContext{})
	}
	wg.Add(2)
	go run(0)
	<-started
	go run(1)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if len(results[i].GeometryIDs) != 1 || results[i].GeometryIDs[0] != "g1" {
			t.Errorf("request %d got %v", i, results[i].GeometryIDs)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 conversion, got %d", n)
	}

	if _, err := f.engine.ComputeAndAddContourRepresentation(context.Background(), "seg1", ConversionContext{}); err != nil {
		t.Fatalf("cached request failed: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected stored result to be reused, got %d conversions", n)
	}
}

// TestDifferentSegmentationsDoNotBlock checks unrelated conversions run at the
// same time.
func TestDifferentSegmentationsDoNotBlock(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		vol := testVolume("vol-"+id, [3]int{2, 2, 1})
		vol.ScalarData[0] = 1
		f.addLabelmap(t, id, vol)
	}

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	f.engine.converters[edge{models.Labelmap, models.Surface}] = func(context.Context, *models.Segmentation, ConversionContext) (models.RepresentationData, error) {
		arrived.Done()
		select {
		case <-both:
			return models.SurfaceData{GeometryIDs: []string{"s"}}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("conversions were serialized")
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.ComputeAndAddSurfaceRepresentation(context.Background(), id, ConversionContext{})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	vol := testVolume("v1", [3]int{2, 2, 1})
	vol.ScalarData[0] = 1
	f.addLabelmap(t, "seg1", vol)

	release := make(chan struct{})
	defer close(release)
	f.engine.converters[edge{models.Labelmap, models.Surface}] = func(context.Context, *models.Segmentation, ConversionContext) (models.RepresentationData, error) {
		<-release
		return models.SurfaceData{GeometryIDs: []string{"s"}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.engine.ComputeAndAddSurfaceRepresentation(ctx, "seg1", ConversionContext{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestConversionMetrics(t *testing.T) {
	f := newFixture(t)
	vol := testVolume("v1", [3]int{3, 3, 1})
	vol.ScalarData[4] = 2
	f.addLabelmap(t, "seg1", vol)

	if _, err := f.engine.ComputeAndAddSurfaceRepresentation(context.Background(), "seg1", ConversionContext{}); err != nil {
		t.Fatalf("conversion failed: %v", err)
	}
	if v := f.rec.Value("conversions_total", map[string]string{"kind": "Surface", "result": "success"}); v != 1 {
		t.Errorf("expected one recorded conversion, got %v", v)
	}
	seg, _ := f.store.GetSegmentation("seg1")
	if !seg.Has(models.Surface) {
		t.Error("expected surface data to be stored")
	}
}
