// Package polyseg derives missing segmentation representations from the ones
// already stored: labelmaps into contours and surfaces, contours into
// labelmaps and surfaces, and surfaces back into labelmaps.
package polyseg

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
	"segmentation3d/pkg/segmentation"
)

// conversionGraph lists, per source kind, the kinds it can be converted to.
var conversionGraph = map[models.RepresentationKind][]models.RepresentationKind{
	models.Labelmap: {models.Surface, models.Contour},
	models.Contour:  {models.Labelmap, models.Surface},
	models.Surface:  {models.Labelmap},
}

// CanConvert reports whether the graph has an edge from source to target.
func CanConvert(source, target models.RepresentationKind) bool {
	for _, k := range conversionGraph[source] {
		if k == target {
			return true
		}
	}
	return false
}

// ConversionContext carries the caller's situation into a conversion.
type ConversionContext struct {
	// ViewportID is the viewport that asked for the representation
	ViewportID string

	// ReferenceVolumeID names a volume whose grid is used when voxelizing
	// contours or surfaces. Without it the grid is derived from the geometry
	// bounds.
	ReferenceVolumeID string
}

type converter func(ctx context.Context, seg *models.Segmentation, cc ConversionContext) (models.RepresentationData, error)

type edge struct {
	source, target models.RepresentationKind
}

// Options configures an Engine.
type Options struct {
	Store   *segmentation.Store
	Caches  cache.Caches
	Logger  logging.Logger
	Metrics *metrics.Recorder
}

// Engine performs conversions and writes their results back into the store.
// Concurrent requests for the same segmentation and kind share one
// computation; requests for different keys run independently.
type Engine struct {
	store   *segmentation.Store
	caches  cache.Caches
	log     logging.Logger
	metrics *metrics.Recorder

	inflight   singleflight.Group
	converters map[edge]converter
}

// NewEngine returns an engine bound to a store and its caches.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:   opts.Store,
		caches:  opts.Caches,
		log:     logging.Or(opts.Logger),
		metrics: opts.Metrics,
	}
	e.converters = map[edge]converter{
		{models.Labelmap, models.Contour}: e.labelmapToContour,
		{models.Labelmap, models.Surface}: e.labelmapToSurface,
		{models.Contour, models.Labelmap}: e.contourToLabelmap,
		{models.Contour, models.Surface}:  e.contourToSurface,
		{models.Surface, models.Labelmap}: e.surfaceToLabelmap,
	}
	return e
}

// ValidKinds returns the kinds present on seg whose data passes structural
// validation, in conversion preference order. Invalid kinds are logged and
// left out.
func (e *Engine) ValidKinds(seg *models.Segmentation) []models.RepresentationKind {
	var kinds []models.RepresentationKind
	for _, kind := range models.Kinds {
		data, ok := seg.RepresentationData[kind]
		if !ok {
			continue
		}
		if err := e.Validate(data); err != nil {
			e.log.Warningf("segmentation %s: %s data excluded as conversion source: %v", seg.SegmentationID, kind, err)
			continue
		}
		kinds = append(kinds, kind)
	}
	return kinds
}

// sourceFor returns the first valid kind with an edge to target.
func (e *Engine) sourceFor(seg *models.Segmentation, target models.RepresentationKind) (models.RepresentationKind, bool) {
	for _, kind := range e.ValidKinds(seg) {
		if kind != target && CanConvert(kind, target) {
			return kind, true
		}
	}
	return "", false
}

// CanComputeRequestedRepresentation reports whether the representation's kind
// can be derived for its segmentation. It is false when conversion is disabled
// on the representation, whatever data is available.
func (e *Engine) CanComputeRequestedRepresentation(representationUID string) bool {
	rep, ok := e.store.GetRepresentation(representationUID)
	if !ok || !rep.ConversionPolicy.Enabled {
		return false
	}
	seg, ok := e.store.GetSegmentation(rep.SegmentationID)
	if !ok {
		return false
	}
	_, ok = e.sourceFor(seg, rep.Kind)
	return ok
}

// ComputeAndAddRepresentation derives kind for the segmentation and stores it.
// Data already present is returned without recomputation. A caller arriving
// while the same key is being computed waits for that result. Cancelling ctx
// stops the wait, not the shared computation.
func (e *Engine) ComputeAndAddRepresentation(ctx context.Context, segmentationID string, kind models.RepresentationKind, cc ConversionContext) (models.RepresentationData, error) {
	key := segmentationID + "/" + string(kind)
	work := context.WithoutCancel(ctx)
	ch := e.inflight.DoChan(key, func() (interface{}, error) {
		return e.compute(work, segmentationID, kind, cc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return models.CloneRepresentationData(res.Val.(models.RepresentationData)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) compute(ctx context.Context, segmentationID string, kind models.RepresentationKind, cc ConversionContext) (models.RepresentationData, error) {
	seg, ok := e.store.GetSegmentation(segmentationID)
	if !ok {
		return nil, segmentation.ErrNotFound{Entity: segmentation.EntitySegmentation, ID: segmentationID}
	}
	if data, ok := seg.RepresentationData[kind]; ok {
		return data, nil
	}
	source, ok := e.sourceFor(seg, kind)
	if !ok {
		return nil, fmt.Errorf("no valid source for %s on segmentation %s: %w", kind, segmentationID, segmentation.ErrConversionUnavailable)
	}
	convert := e.converters[edge{source, kind}]

	start := time.Now()
	data, err := convert(ctx, seg, cc)
	e.metrics.ObserveConversion(string(kind), err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("convert %s to %s for segmentation %s: %w", source, kind, segmentationID, err)
	}
	if err := e.store.SetRepresentationData(segmentationID, data); err != nil {
		return nil, err
	}
	e.log.Infof("segmentation %s: computed %s from %s in %s", segmentationID, kind, source, time.Since(start))
	return data, nil
}

// ComputeAndAddLabelmapRepresentation derives and stores the labelmap.
func (e *Engine) ComputeAndAddLabelmapRepresentation(ctx context.Context, segmentationID string, cc ConversionContext) (models.RepresentationData, error) {
	return e.ComputeAndAddRepresentation(ctx, segmentationID, models.Labelmap, cc)
}

// ComputeAndAddContourRepresentation derives and stores the contours.
func (e *Engine) ComputeAndAddContourRepresentation(ctx context.Context, segmentationID string, cc ConversionContext) (models.ContourData, error) {
	data, err := e.ComputeAndAddRepresentation(ctx, segmentationID, models.Contour, cc)
	if err != nil {
		return models.ContourData{}, err
	}
	return data.(models.ContourData), nil
}

// ComputeAndAddSurfaceRepresentation derives and stores the surfaces.
func (e *Engine) ComputeAndAddSurfaceRepresentation(ctx context.Context, segmentationID string, cc ConversionContext) (models.SurfaceData, error) {
	data, err := e.ComputeAndAddRepresentation(ctx, segmentationID, models.Surface, cc)
	if err != nil {
		return models.SurfaceData{}, err
	}
	return data.(models.SurfaceData), nil
}
