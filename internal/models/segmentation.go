package models

import "sort"

// RepresentationKind names one concrete encoding of a segmentation.
type RepresentationKind string

const (
	Labelmap RepresentationKind = "Labelmap"
	Contour  RepresentationKind = "Contour"
	Surface  RepresentationKind = "Surface"
)

// Kinds lists every representation kind in preference order for conversion
// sources.
var Kinds = []RepresentationKind{Labelmap, Contour, Surface}

// RepresentationData is the tagged union of per-kind payloads. Only the types
// in this package implement it.
type RepresentationData interface {
	Kind() RepresentationKind
	isRepresentationData()
}

// LabelmapVolume stores a labelmap as a single volumetric buffer.
type LabelmapVolume struct {
	VolumeID string

	// GroupVolumeIDs lists further volumes backed by this segmentation,
	// typically one per viewport group
	GroupVolumeIDs []string
}

// LabelmapStack stores a labelmap as one derived image per source slice.
type LabelmapStack struct {
	ImageIDReferenceMap *ImageReferenceMap
}

// ContourData stores polylines as geometry handles plus the annotations that
// were materialized from them.
type ContourData struct {
	GeometryIDs       []string
	AnnotationUIDsMap map[int][]string
}

// SurfaceData stores one mesh geometry per segment.
type SurfaceData struct {
	GeometryIDs []string
}

func (LabelmapVolume) Kind() RepresentationKind { return Labelmap }
func (LabelmapStack) Kind() RepresentationKind  { return Labelmap }
func (ContourData) Kind() RepresentationKind    { return Contour }
func (SurfaceData) Kind() RepresentationKind    { return Surface }

func (LabelmapVolume) isRepresentationData() {}
func (LabelmapStack) isRepresentationData()  {}
func (ContourData) isRepresentationData()    {}
func (SurfaceData) isRepresentationData()    {}

// ImageReferenceMap maps a source slice image id to the derived labelmap
// image ids for that slice. Key order is insertion order and is the slice
// order of the stack.
type ImageReferenceMap struct {
	keys []string
	refs map[string][]string
}

// NewImageReferenceMap returns an empty map.
func NewImageReferenceMap() *ImageReferenceMap {
	return &ImageReferenceMap{refs: make(map[string][]string)}
}

// Add appends derived ids to the set for key, ignoring duplicates.
func (m *ImageReferenceMap) Add(key string, derived ...string) {
	existing, ok := m.refs[key]
	if !ok {
		m.keys = append(m.keys, key)
	}
	for _, d := range derived {
		dup := false
		for _, e := range existing {
			if e == d {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, d)
		}
	}
	m.refs[key] = existing
}

// Get returns the derived ids for key.
func (m *ImageReferenceMap) Get(key string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	d, ok := m.refs[key]
	return d, ok
}

// Keys returns the source image ids in slice order.
func (m *ImageReferenceMap) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Len returns the number of slices.
func (m *ImageReferenceMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a deep copy.
func (m *ImageReferenceMap) Clone() *ImageReferenceMap {
	out := NewImageReferenceMap()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Add(k, m.refs[k]...)
	}
	return out
}

// Segmentation is a labeled dataset independent of how it is stored.
type Segmentation struct {
	SegmentationID string
	Label          string

	// RepresentationData holds every kind currently available, either loaded
	// or derived by conversion
	RepresentationData map[RepresentationKind]RepresentationData
}

// Has reports whether data of the given kind is present.
func (s *Segmentation) Has(kind RepresentationKind) bool {
	_, ok := s.RepresentationData[kind]
	return ok
}

// Clone returns a copy whose maps and slices can be mutated independently.
func (s *Segmentation) Clone() *Segmentation {
	out := &Segmentation{
		SegmentationID:     s.SegmentationID,
		Label:              s.Label,
		RepresentationData: make(map[RepresentationKind]RepresentationData, len(s.RepresentationData)),
	}
	for k, v := range s.RepresentationData {
		out.RepresentationData[k] = CloneRepresentationData(v)
	}
	return out
}

// CloneRepresentationData deep copies a payload.
func CloneRepresentationData(d RepresentationData) RepresentationData {
	switch v := d.(type) {
	case LabelmapVolume:
		v.GroupVolumeIDs = append([]string(nil), v.GroupVolumeIDs...)
		return v
	case LabelmapStack:
		return LabelmapStack{ImageIDReferenceMap: v.ImageIDReferenceMap.Clone()}
	case ContourData:
		out := ContourData{
			GeometryIDs:       append([]string(nil), v.GeometryIDs...),
			AnnotationUIDsMap: make(map[int][]string, len(v.AnnotationUIDsMap)),
		}
		for idx, uids := range v.AnnotationUIDsMap {
			out.AnnotationUIDsMap[idx] = append([]string(nil), uids...)
		}
		return out
	case SurfaceData:
		return SurfaceData{GeometryIDs: append([]string(nil), v.GeometryIDs...)}
	}
	return d
}

// ConversionPolicy controls whether missing kinds may be derived.
type ConversionPolicy struct {
	Enabled bool
}

// RepresentationConfig holds the per-representation style layers.
type RepresentationConfig struct {
	AllSegments Style
	PerSegment  map[int]Style
}

// Clone returns a deep copy.
func (c RepresentationConfig) Clone() RepresentationConfig {
	out := RepresentationConfig{AllSegments: c.AllSegments.Clone()}
	if c.PerSegment != nil {
		out.PerSegment = make(map[int]Style, len(c.PerSegment))
		for idx, s := range c.PerSegment {
			out.PerSegment[idx] = s.Clone()
		}
	}
	return out
}

// Representation is one rendering-kind instantiation of a segmentation,
// shared by every viewport that references its UID.
type Representation struct {
	SegmentationRepresentationUID string
	SegmentationID                string
	Kind                          RepresentationKind
	ColorLUTIndex                 int
	ConversionPolicy              ConversionPolicy
	Config                        RepresentationConfig

	// RenderingHandles holds kind-specific transfer state produced by the
	// dispatchers, e.g. per-segment opacity for labelmaps
	RenderingHandles map[string]any
}

// Clone returns a deep copy.
func (r *Representation) Clone() *Representation {
	out := *r
	out.Config = r.Config.Clone()
	if r.RenderingHandles != nil {
		out.RenderingHandles = make(map[string]any, len(r.RenderingHandles))
		for k, v := range r.RenderingHandles {
			out.RenderingHandles[k] = v
		}
	}
	return &out
}

// ViewportEntry is one viewport's view of a representation.
type ViewportEntry struct {
	Visible        bool
	Active         bool
	SegmentsHidden map[int]struct{}
}

// Clone returns a deep copy.
func (e ViewportEntry) Clone() ViewportEntry {
	out := e
	out.SegmentsHidden = make(map[int]struct{}, len(e.SegmentsHidden))
	for idx := range e.SegmentsHidden {
		out.SegmentsHidden[idx] = struct{}{}
	}
	return out
}

// HiddenSegments returns the hidden segment indices in ascending order.
func (e ViewportEntry) HiddenSegments() []int {
	out := make([]int, 0, len(e.SegmentsHidden))
	for idx := range e.SegmentsHidden {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
