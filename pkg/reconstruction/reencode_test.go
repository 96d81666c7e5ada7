package reconstruction

import (
	"context"
	"errors"
	"io"
	"testing"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/segmentation"
)

// fakeRenderer completes every pass synchronously.
type fakeRenderer struct {
	bus   *events.Bus
	calls [][]string
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, ids []string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, append([]string(nil), ids...))
	f.bus.Publish(events.Event{Type: events.RenderComplete, ViewportIDs: ids})
	return nil
}

type fixture struct {
	bus      *events.Bus
	store    *segmentation.Store
	caches   *cache.Memory
	renderer *fakeRenderer
	re       *Reencoder
	modified []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewStdLogger(io.Discard, logging.SilentMode)
	bus := events.NewBus()
	f := &fixture{
		bus:      bus,
		store:    segmentation.NewStore(segmentation.Options{Bus: bus, Logger: logger}),
		caches:   cache.MustNewMemory(cache.DefaultSizes),
		renderer: &fakeRenderer{bus: bus},
	}
	f.re = NewReencoder(Options{Store: f.store, Caches: f.caches.Caches(), Renderer: f.renderer, Logger: logger})
	bus.Subscribe(events.DataModified, func(e events.Event) { f.modified = append(f.modified, e) })
	return f
}

// addStack stores a 4x4x3 stack segmentation. Slice 1 has a second derived
// image that must be ignored.
func (f *fixture) addStack(t *testing.T, segID string) *models.ImageReferenceMap {
	t.Helper()
	refs := models.NewImageReferenceMap()
	for k := 0; k < 3; k++ {
		src := []string{"src0", "src1", "src2"}[k]
		img := &models.Image{
			ID:                []string{"d0", "d1", "d2"}[k],
			ReferencedImageID: src,
			Width:             4,
			Height:            4,
			Spacing:           [3]float64{0.5, 0.5, 2},
			Origin:            [3]float64{0, 0, float64(k) * 2},
			Direction:         models.IdentityDirection,
			Pixels:            make([]uint8, 16),
		}
		img.Pixels[5+k] = uint8(k + 1)
		f.caches.PutImage(img)
		refs.Add(src, img.ID)
	}
	f.caches.PutImage(&models.Image{ID: "d1b", Width: 4, Height: 4, Pixels: make([]uint8, 16)})
	refs.Add("src1", "d1b")

	err := f.store.AddSegmentations([]segmentation.SegmentationInput{{
		SegmentationID: segID,
		Label:          "liver",
		Data:           models.LabelmapStack{ImageIDReferenceMap: refs},
	}})
	if err != nil {
		t.Fatalf("AddSegmentations failed: %v", err)
	}
	return refs
}

func TestConvertStackToVolume(t *testing.T) {
	f := newFixture(t)
	f.addStack(t, "stackSeg")
	uid, err := f.store.AddSegmentationRepresentation("vp1", segmentation.RepresentationInput{
		SegmentationID: "stackSeg",
		Kind:           models.Labelmap,
	})
	if err != nil {
		t.Fatalf("AddSegmentationRepresentation failed: %v", err)
	}
	if err := f.store.SetVisibilityForSegmentIndex("vp1", uid, 2, false); err != nil {
		t.Fatalf("SetVisibilityForSegmentIndex failed: %v", err)
	}
	oldRep, _ := f.store.GetRepresentation(uid)

	newID, err := f.re.ConvertStackToVolumeSegmentation(context.Background(), "stackSeg", StackToVolumeParams{VolumeID: "vol1"})
	if err != nil {
		t.Fatalf("ConvertStackToVolumeSegmentation failed: %v", err)
	}

	if _, ok := f.store.GetSegmentation("stackSeg"); ok {
		t.Error("original segmentation still present")
	}
	seg, ok := f.store.GetSegmentation(newID)
	if !ok {
		t.Fatalf("segmentation %s not stored", newID)
	}
	data, ok := seg.RepresentationData[models.Labelmap].(models.LabelmapVolume)
	if !ok || data.VolumeID != "vol1" {
		t.Fatalf("labelmap data = %#v, want volume vol1", seg.RepresentationData[models.Labelmap])
	}
	if seg.Label != "liver" {
		t.Errorf("label = %q, want liver", seg.Label)
	}

	vol, ok := f.caches.GetVolume("vol1")
	if !ok {
		t.Fatal("volume not cached")
	}
	if vol.Dimensions != [3]int{4, 4, 3} || vol.Spacing[2] != 2 {
		t.Errorf("volume geometry = %v %v", vol.Dimensions, vol.Spacing)
	}
	for k := 0; k < 3; k++ {
		if got := vol.ScalarData[vol.Index(1+k, 1, k)]; got != uint8(k+1) {
			t.Errorf("slice %d label = %d, want %d", k, got, k+1)
		}
	}
	if want := []string{"src0", "src1", "src2"}; !equalStrings(vol.ReferencedImageIDs, want) {
		t.Errorf("ReferencedImageIDs = %v, want %v", vol.ReferencedImageIDs, want)
	}
	if want := []string{"d0", "d1", "d2"}; !equalStrings(vol.ImageIDs, want) {
		t.Errorf("ImageIDs = %v, want %v", vol.ImageIDs, want)
	}

	reps := f.store.GetRepresentationsForViewport("vp1")
	if len(reps) != 1 || reps[0].SegmentationID != newID {
		t.Fatalf("vp1 representations = %v", reps)
	}
	if reps[0].ColorLUTIndex != oldRep.ColorLUTIndex {
		t.Errorf("ColorLUTIndex = %d, want %d", reps[0].ColorLUTIndex, oldRep.ColorLUTIndex)
	}
	hidden, _ := f.store.GetHiddenSegments("vp1", reps[0].SegmentationRepresentationUID)
	if len(hidden) != 1 || hidden[0] != 2 {
		t.Errorf("hidden segments = %v, want [2]", hidden)
	}

	if len(f.renderer.calls) != 1 || !equalStrings(f.renderer.calls[0], []string{"vp1"}) {
		t.Errorf("render calls = %v", f.renderer.calls)
	}
	if len(f.modified) != 1 || f.modified[0].SegmentationID != newID || f.modified[0].VolumeID != "vol1" {
		t.Errorf("DataModified events = %+v", f.modified)
	}
	if n := f.bus.Count(events.RenderComplete); n != 0 {
		t.Errorf("%d RenderComplete listeners left armed", n)
	}
}

func TestDataModifiedWaitsForRender(t *testing.T) {
	f := newFixture(t)
	f.addStack(t, "s")
	f.renderer.err = errors.New("backend gone")
	var beforeRender int
	f.bus.Subscribe(events.DataModified, func(events.Event) { beforeRender++ })

	_, err := f.re.ConvertStackToVolumeSegmentation(context.Background(), "s", StackToVolumeParams{})
	if err == nil {
		t.Fatal("expected render error")
	}
	if beforeRender != 0 {
		t.Errorf("DataModified fired %d times without a render pass", beforeRender)
	}
	if n := f.bus.Count(events.RenderComplete); n != 0 {
		t.Errorf("%d RenderComplete listeners left armed", n)
	}

	// a later unrelated render must not deliver the stale notification
	f.bus.Publish(events.Event{Type: events.RenderComplete})
	if beforeRender != 0 {
		t.Error("DataModified delivered by a later render")
	}
}

func TestStackVolumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	original := f.addStack(t, "stackSeg")

	volSeg, err := f.re.ConvertStackToVolumeSegmentation(context.Background(), "stackSeg", StackToVolumeParams{KeepOriginal: true})
	if err != nil {
		t.Fatalf("ConvertStackToVolumeSegmentation failed: %v", err)
	}
	if _, ok := f.store.GetSegmentation("stackSeg"); !ok {
		t.Fatal("original removed despite KeepOriginal")
	}
	stackSeg, err := f.re.ConvertVolumeToStackSegmentation(context.Background(), volSeg, VolumeToStackParams{})
	if err != nil {
		t.Fatalf("ConvertVolumeToStackSegmentation failed: %v", err)
	}
	if _, ok := f.store.GetSegmentation(volSeg); ok {
		t.Error("volume segmentation still present")
	}

	seg, _ := f.store.GetSegmentation(stackSeg)
	got := seg.RepresentationData[models.Labelmap].(models.LabelmapStack).ImageIDReferenceMap
	if !equalStrings(got.Keys(), original.Keys()) {
		t.Fatalf("keys = %v, want %v", got.Keys(), original.Keys())
	}
	for _, key := range got.Keys() {
		derived, _ := got.Get(key)
		want, _ := original.Get(key)
		for _, id := range derived {
			if !containsString(want, id) {
				t.Errorf("slice %s: derived %s not in original set %v", key, id, want)
			}
		}
	}
	img, ok := f.caches.GetImage("d2")
	if !ok || img.Pixels[7] != 3 || img.ReferencedImageID != "src2" {
		t.Errorf("image d2 = %+v", img)
	}
}

func TestVolumeToStackReferences(t *testing.T) {
	newVolume := func(id string) *models.Volume {
		return &models.Volume{
			ID:         id,
			Dimensions: [3]int{2, 2, 2},
			Spacing:    [3]float64{1, 1, 1},
			Direction:  models.IdentityDirection,
			ScalarData: make([]uint8, 8),
		}
	}

	t.Run("derived from derived", func(t *testing.T) {
		f := newFixture(t)
		parent := newVolume("ct")
		parent.ReferencedImageIDs = []string{"a", "b"}
		f.caches.PutVolume(parent)
		child := newVolume("labels")
		child.ReferencedVolumeID = "ct"
		f.caches.PutVolume(child)
		f.store.AddSegmentations([]segmentation.SegmentationInput{{SegmentationID: "s", Data: models.LabelmapVolume{VolumeID: "labels"}}})

		id, err := f.re.ConvertVolumeToStackSegmentation(context.Background(), "s", VolumeToStackParams{NewSegmentationID: "stack"})
		if err != nil {
			t.Fatalf("ConvertVolumeToStackSegmentation failed: %v", err)
		}
		if id != "stack" {
			t.Errorf("id = %q, want stack", id)
		}
		seg, _ := f.store.GetSegmentation("stack")
		refs := seg.RepresentationData[models.Labelmap].(models.LabelmapStack).ImageIDReferenceMap
		if !equalStrings(refs.Keys(), []string{"a", "b"}) {
			t.Errorf("keys = %v, want [a b]", refs.Keys())
		}
	})

	t.Run("no stack", func(t *testing.T) {
		f := newFixture(t)
		f.caches.PutVolume(newVolume("labels"))
		f.store.AddSegmentations([]segmentation.SegmentationInput{{SegmentationID: "s", Data: models.LabelmapVolume{VolumeID: "labels"}}})

		_, err := f.re.ConvertVolumeToStackSegmentation(context.Background(), "s", VolumeToStackParams{})
		if !errors.Is(err, segmentation.ErrMissingReference) {
			t.Fatalf("err = %v, want ErrMissingReference", err)
		}
		if _, ok := f.store.GetSegmentation("s"); !ok {
			t.Error("segmentation removed although the conversion failed")
		}
	})
}

func TestConvertErrors(t *testing.T) {
	f := newFixture(t)
	f.addStack(t, "stackSeg")

	_, err := f.re.ConvertStackToVolumeSegmentation(context.Background(), "missing", StackToVolumeParams{})
	if !errors.Is(err, segmentation.ErrNotFoundSentinel) {
		t.Errorf("missing segmentation: err = %v", err)
	}
	_, err = f.re.ConvertVolumeToStackSegmentation(context.Background(), "stackSeg", VolumeToStackParams{})
	if !errors.Is(err, segmentation.ErrConversionUnavailable) {
		t.Errorf("stack given to volume->stack: err = %v", err)
	}
}

func TestConvertRejectsTakenIDs(t *testing.T) {
	f := newFixture(t)
	f.addStack(t, "stackSeg")
	uid, err := f.store.AddSegmentationRepresentation("vp1", segmentation.RepresentationInput{
		SegmentationID: "stackSeg",
		Kind:           models.Labelmap,
	})
	if err != nil {
		t.Fatalf("AddSegmentationRepresentation failed: %v", err)
	}
	f.store.AddSegmentations([]segmentation.SegmentationInput{{SegmentationID: "taken"}})

	_, err = f.re.ConvertStackToVolumeSegmentation(context.Background(), "stackSeg", StackToVolumeParams{VolumeID: "vol1", NewSegmentationID: "taken"})
	if !errors.Is(err, segmentation.ErrAlreadyExistsSentinel) {
		t.Fatalf("taken segmentation id: err = %v", err)
	}
	if _, ok := f.store.GetSegmentation("stackSeg"); !ok {
		t.Fatal("original segmentation removed by a failed conversion")
	}
	if vps := f.store.GetViewportIDsWithRepresentation(uid); len(vps) != 1 || vps[0] != "vp1" {
		t.Errorf("viewports of original representation = %v, want [vp1]", vps)
	}
	if _, ok := f.caches.GetVolume("vol1"); ok {
		t.Error("volume cached by a failed conversion")
	}
	if len(f.renderer.calls) != 0 || len(f.modified) != 0 {
		t.Errorf("failed conversion rendered %d time(s) and published %d event(s)", len(f.renderer.calls), len(f.modified))
	}

	existing := &models.Volume{ID: "vol1", Dimensions: [3]int{1, 1, 1}, ScalarData: []uint8{7}}
	f.caches.PutVolume(existing)
	_, err = f.re.ConvertStackToVolumeSegmentation(context.Background(), "stackSeg", StackToVolumeParams{VolumeID: "vol1"})
	if !errors.Is(err, segmentation.ErrAlreadyExistsSentinel) {
		t.Fatalf("taken volume id: err = %v", err)
	}
	if got, _ := f.caches.GetVolume("vol1"); got != existing {
		t.Error("cached volume was overwritten")
	}
	if _, ok := f.store.GetSegmentation("stackSeg"); !ok {
		t.Fatal("original segmentation removed after volume id clash")
	}

	volSeg, err := f.re.ConvertStackToVolumeSegmentation(context.Background(), "stackSeg", StackToVolumeParams{VolumeID: "vol2", NewSegmentationID: "stackSeg"})
	if err != nil {
		t.Fatalf("reusing the source id failed: %v", err)
	}
	if volSeg != "stackSeg" {
		t.Errorf("new id = %s, want stackSeg", volSeg)
	}
	_, err = f.re.ConvertVolumeToStackSegmentation(context.Background(), volSeg, VolumeToStackParams{NewSegmentationID: "taken"})
	if !errors.Is(err, segmentation.ErrAlreadyExistsSentinel) {
		t.Fatalf("volume->stack with taken id: err = %v", err)
	}
	if seg, ok := f.store.GetSegmentation(volSeg); !ok || seg.RepresentationData[models.Labelmap].Kind() != models.Labelmap {
		t.Error("volume segmentation lost after failed volume->stack conversion")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
