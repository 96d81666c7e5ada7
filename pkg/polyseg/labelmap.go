package polyseg

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/stl"
	"segmentation3d/pkg/volume"
)

// labelmapVolume returns the segmentation's labelmap as a volume. Stacks are
// assembled from the first derived image of each slice.
func (e *Engine) labelmapVolume(seg *models.Segmentation) (*models.Volume, error) {
	switch d := seg.RepresentationData[models.Labelmap].(type) {
	case models.LabelmapVolume:
		vol, ok := e.caches.Volumes.GetVolume(d.VolumeID)
		if !ok {
			return nil, fmt.Errorf("volume %s is not cached", d.VolumeID)
		}
		return vol, nil
	case models.LabelmapStack:
		keys := d.ImageIDReferenceMap.Keys()
		images := make([]*models.Image, 0, len(keys))
		for _, key := range keys {
			derived, _ := d.ImageIDReferenceMap.Get(key)
			img, ok := e.caches.Images.GetImage(derived[0])
			if !ok {
				return nil, fmt.Errorf("image %s is not cached", derived[0])
			}
			images = append(images, img)
		}
		return volume.FromImages(seg.SegmentationID+"-stack", images)
	}
	return nil, fmt.Errorf("segmentation %s has no labelmap", seg.SegmentationID)
}

func (e *Engine) labelmapToContour(ctx context.Context, seg *models.Segmentation, _ ConversionContext) (models.RepresentationData, error) {
	vol, err := e.labelmapVolume(seg)
	if err != nil {
		return nil, err
	}
	tr, err := volume.NewTransform(vol.Origin, vol.Spacing, vol.Direction)
	if err != nil {
		return nil, err
	}

	w, h, d := vol.Dimensions[0], vol.Dimensions[1], vol.Dimensions[2]
	perSlice := make([]map[uint8][][][2]int, d)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for k := 0; k < d; k++ {
		k := k
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perSlice[k] = sliceContours(vol.ScalarData[k*w*h:(k+1)*w*h], w, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sets := make(map[uint8]*models.ContourSet)
	for k, contours := range perSlice {
		for label, lines := range contours {
			set, ok := sets[label]
			if !ok {
				set = &models.ContourSet{}
				sets[label] = set
			}
			for _, line := range lines {
				pts := make([][3]float64, len(line))
				for i, p := range line {
					pts[i] = tr.IndexToWorld([3]float64{float64(p[0]), float64(p[1]), float64(k)})
				}
				set.Lines = append(set.Lines, models.ContourLine{Points: pts, Closed: len(pts) > 2})
			}
		}
	}

	out := models.ContourData{AnnotationUIDsMap: make(map[int][]string)}
	for _, label := range labelsIn(vol.ScalarData) {
		set, ok := sets[label]
		if !ok {
			continue
		}
		geom := &models.Geometry{
			ID:                  uuid.NewString(),
			Type:                models.GeometryContour,
			SegmentIndex:        int(label),
			FrameOfReferenceUID: vol.FrameOfReferenceUID,
			Contour:             set,
		}
		e.caches.Geometries.PutGeometry(geom)
		out.GeometryIDs = append(out.GeometryIDs, geom.ID)
	}
	if len(out.GeometryIDs) == 0 {
		return nil, fmt.Errorf("labelmap %s is empty", vol.ID)
	}
	return out, nil
}

func (e *Engine) labelmapToSurface(ctx context.Context, seg *models.Segmentation, _ ConversionContext) (models.RepresentationData, error) {
	vol, err := e.labelmapVolume(seg)
	if err != nil {
		return nil, err
	}
	return e.surfacesFromVolume(ctx, vol)
}

// surfacesFromVolume meshes every segment of vol in parallel and caches one
// surface geometry per segment, ordered by segment index.
func (e *Engine) surfacesFromVolume(ctx context.Context, vol *models.Volume) (models.SurfaceData, error) {
	tr, err := volume.NewTransform(vol.Origin, vol.Spacing, vol.Direction)
	if err != nil {
		return models.SurfaceData{}, err
	}
	labels := labelsIn(vol.ScalarData)
	if len(labels) == 0 {
		return models.SurfaceData{}, fmt.Errorf("labelmap %s is empty", vol.ID)
	}

	geoms := make([]*models.Geometry, len(labels))
	var mu sync.Mutex
	points := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, label := range labels {
		i, label := i, label
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			verts, polys := stl.NewSurfaceExtractor(vol.ScalarData, vol.Dimensions[0], vol.Dimensions[1], vol.Dimensions[2], label).GenerateMesh()
			mesh := &models.Mesh{Points: make([]float64, 0, 3*len(verts)), Polys: polys}
			for _, v := range verts {
				w := tr.IndexToWorld(v)
				mesh.Points = append(mesh.Points, w[0], w[1], w[2])
			}
			geoms[i] = &models.Geometry{
				ID:                  uuid.NewString(),
				Type:                models.GeometrySurface,
				SegmentIndex:        int(label),
				FrameOfReferenceUID: vol.FrameOfReferenceUID,
				Mesh:                mesh,
			}
			mu.Lock()
			points += len(verts)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.SurfaceData{}, err
	}

	out := models.SurfaceData{}
	for _, geom := range geoms {
		e.caches.Geometries.PutGeometry(geom)
		out.GeometryIDs = append(out.GeometryIDs, geom.ID)
	}
	e.log.Debugf("meshed %d segment(s) of %s with %d vertices", len(geoms), vol.ID, points)
	return out, nil
}
