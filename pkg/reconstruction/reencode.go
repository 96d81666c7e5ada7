// Package reconstruction re-encodes labelmap segmentations between the
// per-slice image stack form and the single volumetric buffer form.
package reconstruction

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/segmentation"
	"segmentation3d/pkg/volume"
)

// Renderer starts a render pass over viewports. Implementations publish
// events.RenderComplete once the pass has finished.
type Renderer interface {
	Render(ctx context.Context, viewportIDs []string) error
}

// StackToVolumeParams controls ConvertStackToVolumeSegmentation.
type StackToVolumeParams struct {
	// VolumeID names the volume to build; generated when empty
	VolumeID string

	// NewSegmentationID names the resulting segmentation; generated when empty
	NewSegmentationID string

	// KeepOriginal leaves the source segmentation in place
	KeepOriginal bool
}

// VolumeToStackParams controls ConvertVolumeToStackSegmentation.
type VolumeToStackParams struct {
	NewSegmentationID string
	KeepOriginal      bool
}

// Options configures a Reencoder.
type Options struct {
	Store    *segmentation.Store
	Caches   cache.Caches
	Renderer Renderer
	Logger   logging.Logger
}

// Reencoder swaps a labelmap segmentation for an equivalent one in the other
// storage form, moving its viewport associations along.
type Reencoder struct {
	store    *segmentation.Store
	caches   cache.Caches
	renderer Renderer
	log      logging.Logger
}

// NewReencoder returns a Reencoder.
func NewReencoder(opts Options) *Reencoder {
	return &Reencoder{
		store:    opts.Store,
		caches:   opts.Caches,
		renderer: opts.Renderer,
		log:      logging.Or(opts.Logger),
	}
}

// attachment is a labelmap representation shown in one viewport.
type attachment struct {
	viewportID string
	rep        *models.Representation
	visible    bool
	hidden     []int
}

// ConvertStackToVolumeSegmentation builds a volume from the first derived
// image of every stack slice and replaces segmentationID with a segmentation
// backed by it. It returns the new segmentation id.
func (r *Reencoder) ConvertStackToVolumeSegmentation(ctx context.Context, segmentationID string, p StackToVolumeParams) (string, error) {
	seg, ok := r.store.GetSegmentation(segmentationID)
	if !ok {
		return "", segmentation.ErrNotFound{Entity: segmentation.EntitySegmentation, ID: segmentationID}
	}
	stack, ok := seg.RepresentationData[models.Labelmap].(models.LabelmapStack)
	if !ok {
		return "", fmt.Errorf("segmentation %s has no labelmap stack: %w", segmentationID, segmentation.ErrConversionUnavailable)
	}
	if err := r.checkNewID(segmentationID, p.NewSegmentationID, p.KeepOriginal); err != nil {
		return "", err
	}

	keys := stack.ImageIDReferenceMap.Keys()
	images := make([]*models.Image, 0, len(keys))
	for _, key := range keys {
		derived, _ := stack.ImageIDReferenceMap.Get(key)
		if len(derived) == 0 {
			return "", fmt.Errorf("slice %s of %s has no derived image: %w", key, segmentationID, segmentation.ErrMissingReference)
		}
		if len(derived) > 1 {
			r.log.Debugf("slice %s of %s has %d derived images, using %s", key, segmentationID, len(derived), derived[0])
		}
		img, ok := r.caches.Images.GetImage(derived[0])
		if !ok {
			return "", segmentation.ErrNotFound{Entity: segmentation.EntityImage, ID: derived[0]}
		}
		images = append(images, img)
	}

	volumeID := p.VolumeID
	if volumeID == "" {
		volumeID = segmentation.GenerateID()
	} else if _, taken := r.caches.Volumes.GetVolume(volumeID); taken {
		return "", segmentation.ErrAlreadyExists{Entity: segmentation.EntityVolume, ID: volumeID}
	}
	vol, err := volume.FromImages(volumeID, images)
	if err != nil {
		return "", fmt.Errorf("build volume for %s: %w", segmentationID, err)
	}
	vol.ReferencedImageIDs = keys
	r.caches.Volumes.PutVolume(vol)
	r.log.Infof("built volume %s (%dx%dx%d, %s) from stack segmentation %s",
		volumeID, vol.Dimensions[0], vol.Dimensions[1], vol.Dimensions[2],
		humanize.Bytes(uint64(len(vol.ScalarData))), segmentationID)

	newID, err := r.replace(ctx, seg, models.LabelmapVolume{VolumeID: volumeID}, p.NewSegmentationID, p.KeepOriginal, volumeID)
	if newID == "" {
		r.caches.Volumes.RemoveVolume(volumeID)
	}
	return newID, err
}

// ConvertVolumeToStackSegmentation splits the segmentation's volume into one
// derived image per slice and replaces segmentationID with a stack-backed
// segmentation. The source image ids come from the volume, or from the volume
// it was derived from; ErrMissingReference is returned when neither has them.
func (r *Reencoder) ConvertVolumeToStackSegmentation(ctx context.Context, segmentationID string, p VolumeToStackParams) (string, error) {
	seg, ok := r.store.GetSegmentation(segmentationID)
	if !ok {
		return "", segmentation.ErrNotFound{Entity: segmentation.EntitySegmentation, ID: segmentationID}
	}
	data, ok := seg.RepresentationData[models.Labelmap].(models.LabelmapVolume)
	if !ok {
		return "", fmt.Errorf("segmentation %s has no labelmap volume: %w", segmentationID, segmentation.ErrConversionUnavailable)
	}
	if err := r.checkNewID(segmentationID, p.NewSegmentationID, p.KeepOriginal); err != nil {
		return "", err
	}
	vol, ok := r.caches.Volumes.GetVolume(data.VolumeID)
	if !ok {
		return "", fmt.Errorf("volume %s of %s is not cached: %w", data.VolumeID, segmentationID, segmentation.ErrMissingReference)
	}

	depth := vol.Dimensions[2]
	refs := vol.ReferencedImageIDs
	if len(refs) != depth && vol.ReferencedVolumeID != "" {
		if parent, ok := r.caches.Volumes.GetVolume(vol.ReferencedVolumeID); ok {
			refs = parent.ReferencedImageIDs
		}
	}
	if len(refs) != depth {
		return "", fmt.Errorf("no image stack for volume %s: %w", vol.ID, segmentation.ErrMissingReference)
	}

	ids := vol.ImageIDs
	if len(ids) != depth {
		ids = make([]string, depth)
		for k := range ids {
			ids[k] = segmentation.GenerateID()
		}
	}
	images, err := volume.ToImages(vol, ids, refs)
	if err != nil {
		return "", fmt.Errorf("split volume %s: %w", vol.ID, err)
	}
	refMap := models.NewImageReferenceMap()
	for k, img := range images {
		r.caches.Images.PutImage(img)
		refMap.Add(refs[k], img.ID)
	}
	r.log.Infof("split volume %s into %d images (%s) for segmentation %s",
		vol.ID, depth, humanize.Bytes(uint64(len(vol.ScalarData))), segmentationID)

	return r.replace(ctx, seg, models.LabelmapStack{ImageIDReferenceMap: refMap}, p.NewSegmentationID, p.KeepOriginal, "")
}

// checkNewID fails when newID already names a segmentation that the
// conversion would not remove.
func (r *Reencoder) checkNewID(oldID, newID string, keep bool) error {
	if newID == "" || (newID == oldID && !keep) {
		return nil
	}
	if _, taken := r.store.GetSegmentation(newID); taken {
		return segmentation.ErrAlreadyExists{Entity: segmentation.EntitySegmentation, ID: newID}
	}
	return nil
}

// replace stores data under a new segmentation, optionally removes the old
// one, moves the labelmap representations across and renders the affected
// viewports. DataModified for the new segmentation fires once, after the
// render pass.
func (r *Reencoder) replace(ctx context.Context, old *models.Segmentation, data models.RepresentationData, newID string, keep bool, volumeID string) (string, error) {
	if newID == "" {
		newID = segmentation.GenerateID()
	}

	var attached []attachment
	for _, rep := range r.store.GetRepresentationsForSegmentation(old.SegmentationID) {
		if rep.Kind != models.Labelmap {
			continue
		}
		for _, vid := range r.store.GetViewportIDsWithRepresentation(rep.SegmentationRepresentationUID) {
			entry, err := r.store.GetViewportEntry(vid, rep.SegmentationRepresentationUID)
			if err != nil {
				continue
			}
			attached = append(attached, attachment{viewportID: vid, rep: rep, visible: entry.Visible, hidden: entry.HiddenSegments()})
		}
	}

	in := segmentation.SegmentationInput{SegmentationID: newID, Label: old.Label, Data: data}
	var err error
	if keep {
		err = r.store.AddSegmentations([]segmentation.SegmentationInput{in})
	} else {
		err = r.store.ReplaceSegmentation(old.SegmentationID, in)
	}
	if err != nil {
		return "", fmt.Errorf("replace %s with %s: %w", old.SegmentationID, newID, err)
	}

	var viewportIDs []string
	seen := make(map[string]bool)
	for _, a := range attached {
		lut := a.rep.ColorLUTIndex
		uid, err := r.store.AddSegmentationRepresentation(a.viewportID, segmentation.RepresentationInput{
			SegmentationID:    newID,
			Kind:              models.Labelmap,
			ColorLUTIndex:     &lut,
			ConversionEnabled: a.rep.ConversionPolicy.Enabled,
			Config:            a.rep.Config,
		})
		if err != nil {
			return newID, fmt.Errorf("attach %s to viewport %s: %w", newID, a.viewportID, err)
		}
		if !a.visible {
			if err := r.store.SetSegmentationRepresentationVisibility(a.viewportID, uid, false); err != nil {
				return newID, fmt.Errorf("hide %s in viewport %s: %w", uid, a.viewportID, err)
			}
		}
		for _, idx := range a.hidden {
			if err := r.store.SetVisibilityForSegmentIndex(a.viewportID, uid, idx, false); err != nil {
				return newID, fmt.Errorf("hide segment %d of %s in viewport %s: %w", idx, uid, a.viewportID, err)
			}
		}
		if !seen[a.viewportID] {
			seen[a.viewportID] = true
			viewportIDs = append(viewportIDs, a.viewportID)
		}
	}

	modified := events.Event{Type: events.DataModified, SegmentationID: newID, VolumeID: volumeID}
	bus := r.store.Bus()
	if r.renderer == nil || bus == nil {
		bus.Publish(modified)
		return newID, nil
	}
	cancel := bus.Once(events.RenderComplete, func(events.Event) {
		bus.Publish(modified)
	})
	if err := r.renderer.Render(ctx, viewportIDs); err != nil {
		cancel()
		return newID, fmt.Errorf("render after replacing %s: %w", old.SegmentationID, err)
	}
	return newID, nil
}
