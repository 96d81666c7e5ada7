package segmentation

import (
	"errors"
	"testing"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/colorlut"
	"segmentation3d/pkg/events"
)

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewStore(Options{Bus: bus}), bus
}

func addVolumeSegmentation(t *testing.T, s *Store, id, volumeID string) {
	t.Helper()
	err := s.AddSegmentations([]SegmentationInput{{
		SegmentationID: id,
		Data:           models.LabelmapVolume{VolumeID: volumeID},
	}})
	if err != nil {
		t.Fatalf("AddSegmentations(%s) failed: %v", id, err)
	}
}

func TestAddSegmentationsStoresLabelmapVolume(t *testing.T) {
	s, bus := newTestStore(t)
	var added []string
	bus.Subscribe(events.SegmentationAdded, func(e events.Event) { added = append(added, e.SegmentationID) })

	addVolumeSegmentation(t, s, "seg1", "v1")

	seg, ok := s.GetSegmentation("seg1")
	if !ok {
		t.Fatal("seg1 not found")
	}
	lm, ok := seg.RepresentationData[models.Labelmap].(models.LabelmapVolume)
	if !ok {
		t.Fatalf("Expected LabelmapVolume data, got %T", seg.RepresentationData[models.Labelmap])
	}
	if lm.VolumeID != "v1" {
		t.Errorf("Expected volume id v1, got %q", lm.VolumeID)
	}
	if len(added) != 1 || added[0] != "seg1" {
		t.Errorf("Expected one SegmentationAdded event for seg1, got %v", added)
	}
}

func TestAddSegmentationsRejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")

	err := s.AddSegmentations([]SegmentationInput{{SegmentationID: "seg2"}, {SegmentationID: "seg1"}})
	var exists ErrAlreadyExists
	if !errors.As(err, &exists) || exists.ID != "seg1" {
		t.Fatalf("Expected ErrAlreadyExists for seg1, got %v", err)
	}
	if !errors.Is(err, ErrAlreadyExistsSentinel) {
		t.Error("ErrAlreadyExists should match its sentinel")
	}
	if _, ok := s.GetSegmentation("seg2"); ok {
		t.Error("Batch with a duplicate must not add any segmentation")
	}

	err = s.AddSegmentations([]SegmentationInput{{SegmentationID: "dup"}, {SegmentationID: "dup"}})
	if !errors.Is(err, ErrAlreadyExistsSentinel) {
		t.Errorf("Expected duplicate within batch to fail, got %v", err)
	}
}

func TestGetSegmentationReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")

	seg, _ := s.GetSegmentation("seg1")
	seg.RepresentationData[models.Surface] = models.SurfaceData{GeometryIDs: []string{"g"}}

	again, _ := s.GetSegmentation("seg1")
	if again.Has(models.Surface) {
		t.Error("Mutating a returned segmentation changed the store")
	}
}

func TestSameUIDOnSecondViewportOnlyAddsAssociation(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")

	uid, err := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})
	if err != nil {
		t.Fatalf("AddSegmentationRepresentation failed: %v", err)
	}
	before := s.RepresentationCount()

	reused, err := s.AddSegmentationRepresentation("vp2", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap, UID: uid})
	if err != nil {
		t.Fatalf("Reusing UID failed: %v", err)
	}
	if reused != uid {
		t.Errorf("Expected reused UID %s, got %s", uid, reused)
	}
	if s.RepresentationCount() != before {
		t.Errorf("Representation count changed from %d to %d", before, s.RepresentationCount())
	}
	vps := s.GetViewportIDsWithRepresentation(uid)
	if len(vps) != 2 || vps[0] != "vp1" || vps[1] != "vp2" {
		t.Errorf("Expected associations on vp1 and vp2, got %v", vps)
	}

	if err := s.AddSegmentationRepresentationUIDToViewport("vp3", uid); err != nil {
		t.Fatalf("AddSegmentationRepresentationUIDToViewport failed: %v", err)
	}
	if s.RepresentationCount() != before {
		t.Error("Attaching to a third viewport duplicated the representation")
	}
	if err := s.AddSegmentationRepresentationUIDToViewport("vp3", "missing"); !errors.Is(err, ErrNotFoundSentinel) {
		t.Errorf("Expected NotFound for unknown UID, got %v", err)
	}
}

func TestAddRepresentationForUnknownSegmentation(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "nope", Kind: models.Contour})
	var nf ErrNotFound
	if !errors.As(err, &nf) || nf.Entity != EntitySegmentation {
		t.Errorf("Expected segmentation NotFound, got %v", err)
	}
}

func TestRemoveSegmentationCascades(t *testing.T) {
	s, bus := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")
	addVolumeSegmentation(t, s, "seg2", "v2")

	uidA, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})
	uidB, _ := s.AddSegmentationRepresentation("vp2", RepresentationInput{SegmentationID: "seg1", Kind: models.Contour})
	s.AddSegmentationRepresentationUIDToViewport("vp2", uidA)
	other, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg2", Kind: models.Labelmap})

	removed := 0
	bus.Subscribe(events.SegmentationRemoved, func(events.Event) { removed++ })

	if err := s.RemoveSegmentation("seg1"); err != nil {
		t.Fatalf("RemoveSegmentation failed: %v", err)
	}

	if _, ok := s.GetSegmentation("seg1"); ok {
		t.Error("seg1 still present")
	}
	for _, uid := range []string{uidA, uidB} {
		if _, ok := s.GetRepresentation(uid); ok {
			t.Errorf("Representation %s survived removal", uid)
		}
		if vps := s.GetViewportIDsWithRepresentation(uid); len(vps) != 0 {
			t.Errorf("Viewports %v still reference %s", vps, uid)
		}
	}
	for _, vid := range s.ViewportIDs() {
		for _, rep := range s.GetRepresentationsForViewport(vid) {
			if rep.SegmentationID == "seg1" {
				t.Errorf("Viewport %s still references seg1", vid)
			}
		}
	}
	if _, ok := s.GetRepresentation(other); !ok {
		t.Error("Unrelated representation was removed")
	}
	if removed != 1 {
		t.Errorf("Expected one SegmentationRemoved event, got %d", removed)
	}
}

func TestRemoveSegmentationAbsentIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.RemoveSegmentation("ghost")
	if !errors.Is(err, ErrNotFoundSentinel) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestReplaceSegmentation(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")
	addVolumeSegmentation(t, s, "taken", "v2")
	uid, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})

	err := s.ReplaceSegmentation("seg1", SegmentationInput{SegmentationID: "taken", Data: models.LabelmapVolume{VolumeID: "v3"}})
	if !errors.Is(err, ErrAlreadyExistsSentinel) {
		t.Fatalf("Expected AlreadyExists, got %v", err)
	}
	if _, ok := s.GetSegmentation("seg1"); !ok {
		t.Fatal("seg1 was removed by a failed replace")
	}
	if vps := s.GetViewportIDsWithRepresentation(uid); len(vps) != 1 {
		t.Errorf("Viewport associations after failed replace = %v, want [vp1]", vps)
	}

	if err := s.ReplaceSegmentation("seg1", SegmentationInput{SegmentationID: "seg3", Data: models.LabelmapVolume{VolumeID: "v3"}}); err != nil {
		t.Fatalf("ReplaceSegmentation failed: %v", err)
	}
	if _, ok := s.GetSegmentation("seg1"); ok {
		t.Error("seg1 still present after replace")
	}
	if _, ok := s.GetRepresentation(uid); ok {
		t.Error("Representation of seg1 survived replace")
	}
	seg, ok := s.GetSegmentation("seg3")
	if !ok || seg.RepresentationData[models.Labelmap].(models.LabelmapVolume).VolumeID != "v3" {
		t.Errorf("seg3 = %+v", seg)
	}

	if err := s.ReplaceSegmentation("seg3", SegmentationInput{SegmentationID: "seg3"}); err != nil {
		t.Errorf("Replacing a segmentation under its own id failed: %v", err)
	}
	if err := s.ReplaceSegmentation("ghost", SegmentationInput{SegmentationID: "seg4"}); !errors.Is(err, ErrNotFoundSentinel) {
		t.Errorf("Expected NotFound for unknown source, got %v", err)
	}
}

func TestVisibilityAndHiddenSegments(t *testing.T) {
	s, bus := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")
	uid, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})

	modified := 0
	bus.Subscribe(events.RepresentationModified, func(events.Event) { modified++ })

	if err := s.SetVisibilityForSegmentIndex("vp1", uid, 3, false); err != nil {
		t.Fatalf("SetVisibilityForSegmentIndex failed: %v", err)
	}
	s.SetVisibilityForSegmentIndex("vp1", uid, 3, false)
	s.SetVisibilityForSegmentIndex("vp1", uid, 1, false)

	hidden, _ := s.GetHiddenSegments("vp1", uid)
	if len(hidden) != 2 || hidden[0] != 1 || hidden[1] != 3 {
		t.Errorf("Expected hidden [1 3], got %v", hidden)
	}
	if modified != 2 {
		t.Errorf("No-op visibility change should not notify; got %d events", modified)
	}
	if vis, _ := s.GetSegmentIndexVisibility("vp1", uid, 3); vis {
		t.Error("Segment 3 should be hidden")
	}

	if err := s.SetSegmentationRepresentationVisibility("vp1", uid, false); err != nil {
		t.Fatalf("SetSegmentationRepresentationVisibility failed: %v", err)
	}
	if vis, _ := s.GetSegmentationRepresentationVisibility("vp1", uid); vis {
		t.Error("Representation should be hidden")
	}
	if err := s.SetSegmentationRepresentationVisibility("vp9", uid, true); !errors.Is(err, ErrNotFoundSentinel) {
		t.Errorf("Expected NotFound for unknown viewport, got %v", err)
	}
}

func TestActiveRepresentation(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")
	first, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})
	second, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Contour})

	active, ok := s.GetActiveSegmentationRepresentation("vp1")
	if !ok || active.SegmentationRepresentationUID != first {
		t.Fatalf("Expected first representation active, got %+v", active)
	}
	if err := s.SetActiveSegmentationRepresentation("vp1", second); err != nil {
		t.Fatalf("SetActiveSegmentationRepresentation failed: %v", err)
	}
	entry, _ := s.GetViewportEntry("vp1", first)
	if entry.Active {
		t.Error("Previous active representation still active")
	}

	if err := s.RemoveSegmentationRepresentations("vp1", []string{second}); err != nil {
		t.Fatalf("RemoveSegmentationRepresentations failed: %v", err)
	}
	active, _ = s.GetActiveSegmentationRepresentation("vp1")
	if active.SegmentationRepresentationUID != first {
		t.Error("Detaching the active representation should promote the next one")
	}
	if _, ok := s.GetRepresentation(second); !ok {
		t.Error("Detaching must keep the representation in the store")
	}
}

func TestAddColorLUTReservesIndexZero(t *testing.T) {
	s, _ := newTestStore(t)

	idx := s.AddColorLUT(colorlut.Table{{255, 0, 0, 255}})
	if idx != 0 {
		t.Fatalf("Expected index 0 on empty store, got %d", idx)
	}
	lut, ok := s.GetColorLUT(0)
	if !ok {
		t.Fatal("LUT 0 not stored")
	}
	if len(lut) != colorlut.Size {
		t.Errorf("Expected %d entries, got %d", colorlut.Size, len(lut))
	}
	if lut[0] != colorlut.Unlabeled || lut[1] != (colorlut.Color{255, 0, 0, 255}) {
		t.Errorf("Unexpected head of table: %v %v", lut[0], lut[1])
	}
	if lut[2] != colorlut.Default()[2] {
		t.Error("Padding should come from the default palette")
	}
}

func TestColorLUTIndexIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	tables := []colorlut.Table{
		{{0, 0, 0, 0}, {1, 1, 1, 255}},
		{{9, 9, 9, 255}},
		nil,
	}
	for i, table := range tables {
		next := s.NextColorLUTIndex()
		idx := s.AddColorLUT(table)
		if idx != next {
			t.Errorf("Table %d: expected index %d, got %d", i, next, idx)
		}
		lut, _ := s.GetColorLUT(idx)
		if lut[0] != colorlut.Unlabeled {
			t.Errorf("Table %d: entry 0 is %v", i, lut[0])
		}
	}

	s.RemoveColorLUT(1)
	if _, ok := s.GetColorLUT(1); ok {
		t.Error("Removed LUT still retrievable")
	}
	if got := s.NextColorLUTIndex(); got != 3 {
		t.Errorf("Indices must not be recycled; next index %d, want 3", got)
	}
}

func TestRepresentationsAllocateOrShareLUTs(t *testing.T) {
	s, _ := newTestStore(t)
	addVolumeSegmentation(t, s, "seg1", "v1")
	a, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})
	b, _ := s.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Contour})
	ra, _ := s.GetRepresentation(a)
	rb, _ := s.GetRepresentation(b)
	if ra.ColorLUTIndex == rb.ColorLUTIndex {
		t.Error("Default allocation should give each representation its own LUT")
	}

	shared := NewStore(Options{ShareDefaultColorLUT: true})
	shared.AddSegmentations([]SegmentationInput{{SegmentationID: "seg1"}})
	c, _ := shared.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Labelmap})
	d, _ := shared.AddSegmentationRepresentation("vp1", RepresentationInput{SegmentationID: "seg1", Kind: models.Surface})
	rc, _ := shared.GetRepresentation(c)
	rd, _ := shared.GetRepresentation(d)
	if rc.ColorLUTIndex != rd.ColorLUTIndex {
		t.Error("Shared default LUT should be reused")
	}
}

func TestSetColorForSegmentIndex(t *testing.T) {
	s, _ := newTestStore(t)
	idx := s.AddColorLUT(nil)
	if err := s.SetColorForSegmentIndex(idx, 4, colorlut.Color{1, 2, 3, 4}); err != nil {
		t.Fatalf("SetColorForSegmentIndex failed: %v", err)
	}
	if c, _ := s.GetColorForSegmentIndex(idx, 4); c != (colorlut.Color{1, 2, 3, 4}) {
		t.Errorf("Unexpected color %v", c)
	}
	if err := s.SetColorForSegmentIndex(idx, 0, colorlut.Color{1, 1, 1, 1}); err == nil {
		t.Error("Entry 0 must not be writable")
	}
}

func TestUpdateRepresentationData(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddSegmentations([]SegmentationInput{{
		SegmentationID: "seg1",
		Data:           models.ContourData{GeometryIDs: []string{"g1"}},
	}})

	err := s.UpdateRepresentationData("seg1", models.Contour, func(d models.RepresentationData) (models.RepresentationData, error) {
		cd := d.(models.ContourData)
		cd.AnnotationUIDsMap = map[int][]string{1: {"ann1"}}
		return cd, nil
	})
	if err != nil {
		t.Fatalf("UpdateRepresentationData failed: %v", err)
	}
	seg, _ := s.GetSegmentation("seg1")
	if got := seg.RepresentationData[models.Contour].(models.ContourData).AnnotationUIDsMap[1]; len(got) != 1 {
		t.Errorf("Annotation map not updated: %v", got)
	}

	err = s.UpdateRepresentationData("seg1", models.Surface, func(d models.RepresentationData) (models.RepresentationData, error) { return d, nil })
	if !errors.Is(err, ErrNotFoundSentinel) {
		t.Errorf("Expected NotFound for missing kind, got %v", err)
	}
}

func TestGlobalConfigIsCopied(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetGlobalConfig(GlobalConfig{Representations: map[models.RepresentationKind]models.Style{
		models.Labelmap: {"fillAlpha": 0.5},
	}})
	cfg := s.GetGlobalConfig()
	cfg.Representations[models.Labelmap]["fillAlpha"] = 0.1

	if s.GetGlobalConfig().Representations[models.Labelmap].Float("fillAlpha", 0) != 0.5 {
		t.Error("GetGlobalConfig exposed internal state")
	}
}
