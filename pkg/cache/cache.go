// Package cache defines the image, volume and geometry caches the
// segmentation core reads from and writes to. Eviction policy belongs to the
// implementation; the in-memory versions here are bounded LRUs.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"segmentation3d/internal/models"
)

// ImageCache stores labelmap slice images by id.
type ImageCache interface {
	GetImage(id string) (*models.Image, bool)
	PutImage(img *models.Image)
}

// VolumeCache stores volumetric buffers by id.
type VolumeCache interface {
	GetVolume(id string) (*models.Volume, bool)
	PutVolume(v *models.Volume)
	RemoveVolume(id string)
}

// GeometryCache stores contour and surface geometry handles by id.
type GeometryCache interface {
	GetGeometry(id string) (*models.Geometry, bool)
	PutGeometry(g *models.Geometry)
}

// Caches bundles the three caches.
type Caches struct {
	Images     ImageCache
	Volumes    VolumeCache
	Geometries GeometryCache
}

// Memory is an LRU-backed implementation of all three caches.
type Memory struct {
	images     *lru.Cache[string, *models.Image]
	volumes    *lru.Cache[string, *models.Volume]
	geometries *lru.Cache[string, *models.Geometry]
}

// Sizes bounds the number of entries of each cache.
type Sizes struct {
	Images     int
	Volumes    int
	Geometries int
}

// DefaultSizes is large enough for a typical study.
var DefaultSizes = Sizes{Images: 4096, Volumes: 64, Geometries: 1024}

// NewMemory builds the caches.
func NewMemory(sizes Sizes) (*Memory, error) {
	images, err := lru.New[string, *models.Image](sizes.Images)
	if err != nil {
		return nil, fmt.Errorf("image cache: %w", err)
	}
	volumes, err := lru.New[string, *models.Volume](sizes.Volumes)
	if err != nil {
		return nil, fmt.Errorf("volume cache: %w", err)
	}
	geometries, err := lru.New[string, *models.Geometry](sizes.Geometries)
	if err != nil {
		return nil, fmt.Errorf("geometry cache: %w", err)
	}
	return &Memory{images: images, volumes: volumes, geometries: geometries}, nil
}

// MustNewMemory is NewMemory for sizes known to be valid.
func MustNewMemory(sizes Sizes) *Memory {
	m, err := NewMemory(sizes)
	if err != nil {
		panic(err)
	}
	return m
}

// Caches exposes m through the Caches bundle.
func (m *Memory) Caches() Caches {
	return Caches{Images: m, Volumes: m, Geometries: m}
}

func (m *Memory) GetImage(id string) (*models.Image, bool) { return m.images.Get(id) }
func (m *Memory) PutImage(img *models.Image)               { m.images.Add(img.ID, img) }

func (m *Memory) GetVolume(id string) (*models.Volume, bool) { return m.volumes.Get(id) }
func (m *Memory) PutVolume(v *models.Volume)                 { m.volumes.Add(v.ID, v) }
func (m *Memory) RemoveVolume(id string)                     { m.volumes.Remove(id) }

func (m *Memory) GetGeometry(id string) (*models.Geometry, bool) { return m.geometries.Get(id) }
func (m *Memory) PutGeometry(g *models.Geometry)                 { m.geometries.Add(g.ID, g) }
