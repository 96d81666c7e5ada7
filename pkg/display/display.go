// Package display turns stored segmentation representations into renderable
// state for a viewport. There is one dispatcher per representation kind; each
// derives missing data through the conversion engine, resolves the layered
// style and sends only the changes since its previous render to the backend.
package display

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/colorlut"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/polyseg"
	"segmentation3d/pkg/segmentation"
)

// Viewport is a display surface representations are drawn into.
type Viewport interface {
	ID() string

	// ReferenceVolumeID is the volume a volume viewport shows, empty for
	// stack viewports
	ReferenceVolumeID() string

	// Images are the images a stack viewport shows, nil for volume viewports
	Images() []*models.Image
}

// SegmentAppearance is how one labelmap segment is drawn.
type SegmentAppearance struct {
	Color          colorlut.Color
	Visible        bool
	RenderFill     bool
	RenderOutline  bool
	FillAlpha      float64
	OutlineWidth   float64
	OutlineOpacity float64
}

// LabelmapState is the full description of a labelmap actor. Exactly one of
// VolumeID or ImageIDs is set.
type LabelmapState struct {
	SegmentationID string
	VolumeID       string
	ImageIDs       []string
	Segments       map[int]SegmentAppearance
}

// SurfaceActor is one segment mesh.
type SurfaceActor struct {
	GeometryID   string
	SegmentIndex int
	Color        colorlut.Color
	Opacity      float64
	Visible      bool
}

// Backend is the rendering layer. Render starts a render pass; backends
// publish events.RenderComplete once it has finished.
type Backend interface {
	AddLabelmap(viewportID, uid string, state LabelmapState) error
	UpdateLabelmap(viewportID, uid string, segments map[int]SegmentAppearance) error
	AddSurface(viewportID, uid string, actor SurfaceActor) error
	UpdateSurface(viewportID, uid string, actor SurfaceActor) error
	RemoveSurface(viewportID, uid, geometryID string) error
	RemoveActors(viewportID, uid string)
	Render(viewportIDs ...string)
}

// Dispatcher renders representations of one kind.
type Dispatcher interface {
	Kind() models.RepresentationKind
	Render(ctx context.Context, vp Viewport, uid string, global segmentation.GlobalConfig) error
	RemoveRepresentation(viewportID, uid string, immediate bool)
}

// Options configures the dispatchers.
type Options struct {
	Store       *segmentation.Store
	Engine      *polyseg.Engine
	Caches      cache.Caches
	Backend     Backend
	Annotations AnnotationStore
	Logger      logging.Logger
}

type renderKey struct {
	viewportID, uid string
}

// base holds what every dispatcher shares.
type base struct {
	kind        models.RepresentationKind
	store       *segmentation.Store
	engine      *polyseg.Engine
	caches      cache.Caches
	backend     Backend
	annotations AnnotationStore
	log         logging.Logger
}

func newBase(kind models.RepresentationKind, opts Options) base {
	return base{
		kind:        kind,
		store:       opts.Store,
		engine:      opts.Engine,
		caches:      opts.Caches,
		backend:     opts.Backend,
		annotations: opts.Annotations,
		log:         logging.Or(opts.Logger),
	}
}

func (b *base) Kind() models.RepresentationKind { return b.kind }

// renderInput is everything resolved from the store for one render.
type renderInput struct {
	rep    *models.Representation
	entry  models.ViewportEntry
	data   models.RepresentationData
	lut    colorlut.Table
	global models.Style
}

func (in *renderInput) hidden(segmentIndex int) bool {
	if !in.entry.Visible {
		return true
	}
	_, ok := in.entry.SegmentsHidden[segmentIndex]
	return ok
}

func (in *renderInput) color(segmentIndex int) colorlut.Color {
	if segmentIndex >= 0 && segmentIndex < len(in.lut) {
		return in.lut[segmentIndex]
	}
	return colorlut.Unlabeled
}

func (in *renderInput) style(segmentIndex int) models.Style {
	return segmentStyle(in.global, in.rep.Config, segmentIndex, in.entry.Active)
}

// prepare resolves the representation for vp. It returns nil without error
// when nothing should be drawn: an inactive representation that global config
// says to skip, or data that is absent and cannot be derived.
func (b *base) prepare(ctx context.Context, vp Viewport, uid string, global segmentation.GlobalConfig) (*renderInput, error) {
	rep, ok := b.store.GetRepresentation(uid)
	if !ok {
		return nil, segmentation.ErrNotFound{Entity: segmentation.EntityRepresentation, ID: uid}
	}
	if rep.Kind != b.kind {
		return nil, fmt.Errorf("representation %s is %s, not %s", uid, rep.Kind, b.kind)
	}
	entry, err := b.store.GetViewportEntry(vp.ID(), uid)
	if err != nil {
		return nil, err
	}
	if !entry.Active && !global.RenderInactiveSegmentations {
		return nil, nil
	}
	seg, ok := b.store.GetSegmentation(rep.SegmentationID)
	if !ok {
		return nil, segmentation.ErrNotFound{Entity: segmentation.EntitySegmentation, ID: rep.SegmentationID}
	}

	data, ok := seg.RepresentationData[b.kind]
	if !ok {
		if b.engine == nil || !b.engine.CanComputeRequestedRepresentation(uid) {
			return nil, nil
		}
		data, err = b.engine.ComputeAndAddRepresentation(ctx, rep.SegmentationID, b.kind, polyseg.ConversionContext{
			ViewportID:        vp.ID(),
			ReferenceVolumeID: vp.ReferenceVolumeID(),
		})
		if err != nil {
			b.log.Warningf("viewport %s: cannot derive %s for segmentation %s: %v", vp.ID(), b.kind, rep.SegmentationID, err)
			return nil, nil
		}
	}

	lut, _ := b.store.GetColorLUT(rep.ColorLUTIndex)
	return &renderInput{
		rep:    rep,
		entry:  entry,
		data:   data,
		lut:    lut,
		global: global.Representations[b.kind],
	}, nil
}

func (b *base) publishRendered(vp Viewport, rep *models.Representation) {
	b.store.Bus().Publish(events.Event{
		Type:                          events.RepresentationRendered,
		ViewportID:                    vp.ID(),
		SegmentationID:                rep.SegmentationID,
		SegmentationRepresentationUID: rep.SegmentationRepresentationUID,
		Kind:                          rep.Kind,
	})
}

// Dispatchers routes render requests to the dispatcher of each kind and
// tracks the viewports known to the renderer.
type Dispatchers struct {
	store   *segmentation.Store
	backend Backend
	log     logging.Logger
	byKind  map[models.RepresentationKind]Dispatcher

	mu        sync.RWMutex
	viewports map[string]Viewport
}

// New builds the labelmap, contour and surface dispatchers.
func New(opts Options) *Dispatchers {
	if opts.Annotations == nil {
		opts.Annotations = NewMemoryAnnotations()
	}
	d := &Dispatchers{
		store:     opts.Store,
		backend:   opts.Backend,
		log:       logging.Or(opts.Logger),
		byKind:    make(map[models.RepresentationKind]Dispatcher),
		viewports: make(map[string]Viewport),
	}
	for _, disp := range []Dispatcher{NewLabelmapDispatcher(opts), NewContourDispatcher(opts), NewSurfaceDispatcher(opts)} {
		d.byKind[disp.Kind()] = disp
	}
	return d
}

// For returns the dispatcher of kind.
func (d *Dispatchers) For(kind models.RepresentationKind) Dispatcher {
	return d.byKind[kind]
}

// AddViewport registers vp so it can be rendered by id.
func (d *Dispatchers) AddViewport(vp Viewport) {
	d.mu.Lock()
	d.viewports[vp.ID()] = vp
	d.mu.Unlock()
}

// Viewport returns a registered viewport.
func (d *Dispatchers) Viewport(id string) (Viewport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vp, ok := d.viewports[id]
	return vp, ok
}

// RenderViewport renders every representation associated with vp.
func (d *Dispatchers) RenderViewport(ctx context.Context, vp Viewport) error {
	global := d.store.GetGlobalConfig()
	for _, rep := range d.store.GetRepresentationsForViewport(vp.ID()) {
		disp, ok := d.byKind[rep.Kind]
		if !ok {
			continue
		}
		if err := disp.Render(ctx, vp, rep.SegmentationRepresentationUID, global); err != nil {
			return fmt.Errorf("render %s in viewport %s: %w", rep.SegmentationRepresentationUID, vp.ID(), err)
		}
	}
	return nil
}

// Render renders the given registered viewports and starts a backend render
// pass over them.
func (d *Dispatchers) Render(ctx context.Context, viewportIDs []string) error {
	ids := append([]string(nil), viewportIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		vp, ok := d.Viewport(id)
		if !ok {
			return segmentation.ErrNotFound{Entity: segmentation.EntityViewport, ID: id}
		}
		if err := d.RenderViewport(ctx, vp); err != nil {
			return err
		}
	}
	d.backend.Render(ids...)
	return nil
}

// Listen removes rendered state when a representation is detached from a
// viewport. The returned function stops listening.
func (d *Dispatchers) Listen(bus *events.Bus) func() {
	return bus.Subscribe(events.RepresentationRemoved, func(e events.Event) {
		if e.ViewportID == "" {
			return
		}
		for _, kind := range models.Kinds {
			d.byKind[kind].RemoveRepresentation(e.ViewportID, e.SegmentationRepresentationUID, false)
		}
	})
}
