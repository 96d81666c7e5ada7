package interpolation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
	"segmentation3d/pkg/segmentation"
	"segmentation3d/pkg/workers"
)

// TaskType tags worker tasks and progress events of this package.
const TaskType = "interpolateLabelmap"

// Status of an interpolation batch.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config is the caller-facing interpolation configuration.
type Config struct {
	// Axis is 0, 1, 2 or AllAxes
	Axis               int
	HeuristicAlignment bool
	Preview            bool

	// PreviewSegmentIndex is written in preview mode; 255 when zero
	PreviewSegmentIndex uint8

	OverwriteOccupied bool
}

// Result summarizes a batch.
type Result struct {
	TaskID string
	Status string

	// Volumes lists every volume the batch covered; Failed those that were
	// left unchanged
	Volumes []string
	Failed  []string

	// SliceIndices holds the modified k indices per successful volume
	SliceIndices map[string][]int
}

// Options configures an Interpolator.
type Options struct {
	Store  *segmentation.Store
	Caches cache.Caches

	// Pool runs the tasks. When nil a pool is created from PoolOptions on the
	// first interpolation.
	Pool        *workers.Pool
	PoolOptions workers.Options

	// Compress snappy-encodes scalar data in task payloads
	Compress bool

	Logger  logging.Logger
	Metrics *metrics.Recorder
}

// Interpolator runs labelmap interpolation for the segmentations of a store.
type Interpolator struct {
	store    *segmentation.Store
	caches   cache.Caches
	compress bool
	log      logging.Logger
	metrics  *metrics.Recorder

	once     sync.Once
	pool     *workers.Pool
	poolOpts workers.Options
}

// New returns an Interpolator. No worker runs until the first call.
func New(opts Options) *Interpolator {
	poolOpts := opts.PoolOptions
	if poolOpts.Logger == nil {
		poolOpts.Logger = opts.Logger
	}
	if poolOpts.Metrics == nil {
		poolOpts.Metrics = opts.Metrics
	}
	return &Interpolator{
		store:    opts.Store,
		caches:   opts.Caches,
		compress: opts.Compress,
		log:      logging.Or(opts.Logger),
		metrics:  opts.Metrics,
		pool:     opts.Pool,
		poolOpts: poolOpts,
	}
}

func (ip *Interpolator) workerPool() *workers.Pool {
	ip.once.Do(func() {
		if ip.pool == nil {
			ip.pool = workers.NewPool(ip.poolOpts)
		}
		ip.pool.Register(TaskType, runTask)
	})
	return ip.pool
}

// Close stops the worker pool if this Interpolator created it.
func (ip *Interpolator) Close() {
	if ip.pool != nil {
		ip.pool.Close()
	}
}

// InterpolateLabelmap fills the gaps of segmentIndex in every volume backing
// the segmentation, one worker task per volume. A failing volume is logged
// and skipped and the batch is marked failed; only a segmentation without any
// backing volume is an error. Cancelling ctx stops waiting for the remaining
// volumes.
func (ip *Interpolator) InterpolateLabelmap(ctx context.Context, segmentationID string, segmentIndex int, cfg Config) (*Result, error) {
	seg, ok := ip.store.GetSegmentation(segmentationID)
	if !ok {
		return nil, segmentation.ErrNotFound{Entity: segmentation.EntitySegmentation, ID: segmentationID}
	}
	if segmentIndex <= 0 || segmentIndex > math.MaxUint8 {
		return nil, fmt.Errorf("invalid segment index %d", segmentIndex)
	}
	volumeIDs := backingVolumes(seg)
	if len(volumeIDs) == 0 {
		return nil, fmt.Errorf("segmentation %s has no labelmap volume: %w", segmentationID, segmentation.ErrMissingReference)
	}

	params := Params{
		SegmentIndex:        uint8(segmentIndex),
		Axis:                cfg.Axis,
		HeuristicAlignment:  cfg.HeuristicAlignment,
		Preview:             cfg.Preview,
		PreviewSegmentIndex: cfg.PreviewSegmentIndex,
		OverwriteOccupied:   cfg.OverwriteOccupied,
	}
	if params.PreviewSegmentIndex == 0 {
		params.PreviewSegmentIndex = math.MaxUint8
	}
	if _, err := params.axes(); err != nil {
		return nil, err
	}

	pool := ip.workerPool()
	bus := ip.store.Bus()
	res := &Result{
		TaskID:       uuid.NewString(),
		Status:       StatusCompleted,
		Volumes:      volumeIDs,
		SliceIndices: make(map[string][]int),
	}
	for n, vid := range volumeIDs {
		slices, err := ip.interpolateVolume(ctx, pool, vid, params)
		switch {
		case err == nil:
			res.SliceIndices[vid] = slices
			ip.metrics.AddInterpolatedSlices(len(slices))
			bus.Publish(events.Event{
				Type:           events.DataModified,
				SegmentationID: segmentationID,
				VolumeID:       vid,
				SliceIndices:   slices,
			})
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			ip.log.Errorf("interpolation of segment %d in volume %s failed: %v", segmentIndex, vid, err)
			res.Status = StatusFailed
			res.Failed = append(res.Failed, vid)
		}
		bus.Publish(events.Event{
			Type:           events.WorkerProgress,
			SegmentationID: segmentationID,
			TaskType:       TaskType,
			TaskID:         res.TaskID,
			Progress:       int(math.Round(float64(n+1) / float64(len(volumeIDs)) * 100)),
		})
	}
	ip.log.Infof("interpolated segment %d of %s over %d volume(s): %s", segmentIndex, segmentationID, len(volumeIDs), res.Status)
	return res, nil
}

func (ip *Interpolator) interpolateVolume(ctx context.Context, pool *workers.Pool, volumeID string, p Params) ([]int, error) {
	vol, ok := ip.caches.Volumes.GetVolume(volumeID)
	if !ok {
		return nil, fmt.Errorf("%w: %w", segmentation.ErrWorkerTaskFailed, segmentation.ErrNotFound{Entity: segmentation.EntityVolume, ID: volumeID})
	}
	task := newTask(vol, p, ip.compress)
	payload, err := task.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: encode task: %v", segmentation.ErrWorkerTaskFailed, err)
	}
	ip.log.Debugf("dispatching %s for volume %s (%s payload)", TaskType, volumeID, humanize.Bytes(uint64(len(payload))))

	out, err := pool.Execute(ctx, TaskType, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", segmentation.ErrWorkerTaskFailed, err)
	}
	var tr TaskResult
	if _, err := tr.UnmarshalMsg(out); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", segmentation.ErrWorkerTaskFailed, err)
	}
	data, err := tr.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", segmentation.ErrWorkerTaskFailed, err)
	}
	if len(data) != len(vol.ScalarData) {
		return nil, fmt.Errorf("%w: result has %d voxels, volume %s has %d",
			segmentation.ErrWorkerTaskFailed, len(data), volumeID, len(vol.ScalarData))
	}
	copy(vol.ScalarData, data)
	if tr.SliceIndices == nil {
		tr.SliceIndices = []int{}
	}
	return tr.SliceIndices, nil
}

// runTask is the worker side: decode, interpolate, encode.
func runTask(_ context.Context, payload []byte) ([]byte, error) {
	var task Task
	if _, err := task.UnmarshalMsg(payload); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	vol, err := task.volume()
	if err != nil {
		return nil, err
	}
	slices, err := Interpolate(vol, task.Params)
	if err != nil {
		return nil, err
	}
	tr := newResult(vol.ScalarData, slices, task.Compressed)
	return tr.MarshalMsg(nil)
}

func backingVolumes(seg *models.Segmentation) []string {
	data, ok := seg.RepresentationData[models.Labelmap].(models.LabelmapVolume)
	if !ok {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, id := range append([]string{data.VolumeID}, data.GroupVolumeIDs...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
