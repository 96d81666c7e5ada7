package interpolation

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"

	"segmentation3d/internal/models"
)

// Task is the payload of one interpolation worker task: a volume buffer with
// its geometry and the parameters to run with.
type Task struct {
	VolumeID   string
	ScalarData []uint8
	Dimensions [3]int
	Spacing    [3]float64
	Origin     [3]float64
	Direction  [9]float64
	Params     Params

	// Compressed marks ScalarData as snappy-encoded
	Compressed bool
}

// TaskResult is what a worker sends back.
type TaskResult struct {
	ScalarData   []uint8
	SliceIndices []int
	Compressed   bool
}

// newTask copies vol into a task, compressing the buffer when asked.
func newTask(vol *models.Volume, p Params, compress bool) Task {
	t := Task{
		VolumeID:   vol.ID,
		ScalarData: vol.ScalarData,
		Dimensions: vol.Dimensions,
		Spacing:    vol.Spacing,
		Origin:     vol.Origin,
		Direction:  vol.Direction,
		Params:     p,
	}
	if compress {
		t.ScalarData = snappy.Encode(nil, vol.ScalarData)
		t.Compressed = true
	}
	return t
}

func newResult(data []uint8, slices []int, compress bool) TaskResult {
	if compress {
		return TaskResult{ScalarData: snappy.Encode(nil, data), SliceIndices: slices, Compressed: true}
	}
	return TaskResult{ScalarData: data, SliceIndices: slices}
}

// volume rebuilds the buffer the task describes.
func (t *Task) volume() (*models.Volume, error) {
	data, err := unpack(t.ScalarData, t.Compressed)
	if err != nil {
		return nil, fmt.Errorf("task for %s: %w", t.VolumeID, err)
	}
	return &models.Volume{
		ID:         t.VolumeID,
		Dimensions: t.Dimensions,
		Spacing:    t.Spacing,
		Origin:     t.Origin,
		Direction:  t.Direction,
		ScalarData: data,
	}, nil
}

// Data returns the decoded scalar buffer of a result.
func (r *TaskResult) Data() ([]uint8, error) {
	return unpack(r.ScalarData, r.Compressed)
}

func unpack(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress scalar data: %w", err)
	}
	return out, nil
}

// MarshalMsg implements msgp.Marshaler
func (z *Params) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 6)
	o = msgp.AppendString(o, "segmentIndex")
	o = msgp.AppendUint8(o, z.SegmentIndex)
	o = msgp.AppendString(o, "axis")
	o = msgp.AppendInt(o, z.Axis)
	o = msgp.AppendString(o, "heuristicAlignment")
	o = msgp.AppendBool(o, z.HeuristicAlignment)
	o = msgp.AppendString(o, "preview")
	o = msgp.AppendBool(o, z.Preview)
	o = msgp.AppendString(o, "previewSegmentIndex")
	o = msgp.AppendUint8(o, z.PreviewSegmentIndex)
	o = msgp.AppendString(o, "overwriteOccupied")
	o = msgp.AppendBool(o, z.OverwriteOccupied)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Params) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var sz uint32
	sz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	for sz > 0 {
		sz--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch msgp.UnsafeString(field) {
		case "segmentIndex":
			z.SegmentIndex, bts, err = msgp.ReadUint8Bytes(bts)
		case "axis":
			z.Axis, bts, err = msgp.ReadIntBytes(bts)
		case "heuristicAlignment":
			z.HeuristicAlignment, bts, err = msgp.ReadBoolBytes(bts)
		case "preview":
			z.Preview, bts, err = msgp.ReadBoolBytes(bts)
		case "previewSegmentIndex":
			z.PreviewSegmentIndex, bts, err = msgp.ReadUint8Bytes(bts)
		case "overwriteOccupied":
			z.OverwriteOccupied, bts, err = msgp.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}

func (z *Params) Msgsize() (s int) {
	s = msgp.MapHeaderSize +
		msgp.StringPrefixSize + 12 + msgp.Uint8Size +
		msgp.StringPrefixSize + 4 + msgp.IntSize +
		msgp.StringPrefixSize + 18 + msgp.BoolSize +
		msgp.StringPrefixSize + 7 + msgp.BoolSize +
		msgp.StringPrefixSize + 19 + msgp.Uint8Size +
		msgp.StringPrefixSize + 17 + msgp.BoolSize
	return
}

// MarshalMsg implements msgp.Marshaler
func (z *Task) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 8)
	o = msgp.AppendString(o, "volumeId")
	o = msgp.AppendString(o, z.VolumeID)
	o = msgp.AppendString(o, "scalarData")
	o = msgp.AppendBytes(o, z.ScalarData)
	o = msgp.AppendString(o, "dimensions")
	o = msgp.AppendArrayHeader(o, 3)
	for _, v := range z.Dimensions {
		o = msgp.AppendInt(o, v)
	}
	o = msgp.AppendString(o, "spacing")
	o = appendFloats(o, z.Spacing[:])
	o = msgp.AppendString(o, "origin")
	o = appendFloats(o, z.Origin[:])
	o = msgp.AppendString(o, "direction")
	o = appendFloats(o, z.Direction[:])
	o = msgp.AppendString(o, "params")
	o, err = z.Params.MarshalMsg(o)
	if err != nil {
		return
	}
	o = msgp.AppendString(o, "compressed")
	o = msgp.AppendBool(o, z.Compressed)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Task) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var sz uint32
	sz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	for sz > 0 {
		sz--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch msgp.UnsafeString(field) {
		case "volumeId":
			z.VolumeID, bts, err = msgp.ReadStringBytes(bts)
		case "scalarData":
			z.ScalarData, bts, err = msgp.ReadBytesBytes(bts, z.ScalarData)
		case "dimensions":
			var asz uint32
			asz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return
			}
			if asz != 3 {
				err = msgp.ArrayError{Wanted: 3, Got: asz}
				return
			}
			for i := range z.Dimensions {
				z.Dimensions[i], bts, err = msgp.ReadIntBytes(bts)
				if err != nil {
					return
				}
			}
		case "spacing":
			bts, err = readFloats(bts, z.Spacing[:])
		case "origin":
			bts, err = readFloats(bts, z.Origin[:])
		case "direction":
			bts, err = readFloats(bts, z.Direction[:])
		case "params":
			bts, err = z.Params.UnmarshalMsg(bts)
		case "compressed":
			z.Compressed, bts, err = msgp.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}

func (z *Task) Msgsize() (s int) {
	s = msgp.MapHeaderSize +
		msgp.StringPrefixSize + 8 + msgp.StringPrefixSize + len(z.VolumeID) +
		msgp.StringPrefixSize + 10 + msgp.BytesPrefixSize + len(z.ScalarData) +
		msgp.StringPrefixSize + 10 + msgp.ArrayHeaderSize + 3*msgp.IntSize +
		msgp.StringPrefixSize + 7 + msgp.ArrayHeaderSize + 3*msgp.Float64Size +
		msgp.StringPrefixSize + 6 + msgp.ArrayHeaderSize + 3*msgp.Float64Size +
		msgp.StringPrefixSize + 9 + msgp.ArrayHeaderSize + 9*msgp.Float64Size +
		msgp.StringPrefixSize + 6 + z.Params.Msgsize() +
		msgp.StringPrefixSize + 10 + msgp.BoolSize
	return
}

// MarshalMsg implements msgp.Marshaler
func (z *TaskResult) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "scalarData")
	o = msgp.AppendBytes(o, z.ScalarData)
	o = msgp.AppendString(o, "sliceIndices")
	o = msgp.AppendArrayHeader(o, uint32(len(z.SliceIndices)))
	for _, k := range z.SliceIndices {
		o = msgp.AppendInt(o, k)
	}
	o = msgp.AppendString(o, "compressed")
	o = msgp.AppendBool(o, z.Compressed)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *TaskResult) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var sz uint32
	sz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	for sz > 0 {
		sz--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch msgp.UnsafeString(field) {
		case "scalarData":
			z.ScalarData, bts, err = msgp.ReadBytesBytes(bts, z.ScalarData)
		case "sliceIndices":
			var asz uint32
			asz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return
			}
			z.SliceIndices = make([]int, asz)
			for i := range z.SliceIndices {
				z.SliceIndices[i], bts, err = msgp.ReadIntBytes(bts)
				if err != nil {
					return
				}
			}
		case "compressed":
			z.Compressed, bts, err = msgp.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}

func (z *TaskResult) Msgsize() (s int) {
	s = msgp.MapHeaderSize +
		msgp.StringPrefixSize + 10 + msgp.BytesPrefixSize + len(z.ScalarData) +
		msgp.StringPrefixSize + 12 + msgp.ArrayHeaderSize + len(z.SliceIndices)*msgp.IntSize +
		msgp.StringPrefixSize + 10 + msgp.BoolSize
	return
}

func appendFloats(o []byte, fs []float64) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(fs)))
	for _, f := range fs {
		o = msgp.AppendFloat64(o, f)
	}
	return o
}

func readFloats(bts []byte, dst []float64) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if int(sz) != len(dst) {
		return bts, msgp.ArrayError{Wanted: uint32(len(dst)), Got: sz}
	}
	for i := range dst {
		dst[i], bts, err = msgp.ReadFloat64Bytes(bts)
		if err != nil {
			return bts, err
		}
	}
	return bts, nil
}
