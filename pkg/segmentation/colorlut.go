package segmentation

import (
	"strconv"

	"segmentation3d/pkg/colorlut"
)

// AddColorLUT registers table at NextColorLUTIndex and returns that index.
// The stored table is normalized: entry 0 is forced to the unlabeled color by
// shifting the supplied entries right when needed, and short tables are padded
// from the default palette.
func (s *Store) AddColorLUT(table colorlut.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addColorLUTLocked(table, len(s.colorLUTs))
}

// AddColorLUTAt registers table at index, replacing any table stored there.
// Indices past the end leave unregistered gaps; they are never recycled.
func (s *Store) AddColorLUTAt(table colorlut.Table, index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addColorLUTLocked(table, index)
}

func (s *Store) addColorLUTLocked(table colorlut.Table, index int) int {
	if index < 0 {
		index = len(s.colorLUTs)
	}
	for len(s.colorLUTs) <= index {
		s.colorLUTs = append(s.colorLUTs, nil)
	}
	s.colorLUTs[index] = colorlut.Normalize(table)
	return index
}

// GetColorLUT returns a copy of the table at index.
func (s *Store) GetColorLUT(index int) (colorlut.Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.colorLUTs) || s.colorLUTs[index] == nil {
		return nil, false
	}
	return s.colorLUTs[index].Clone(), true
}

// RemoveColorLUT unregisters the table. Its index is not reused.
func (s *Store) RemoveColorLUT(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.colorLUTs) {
		s.colorLUTs[index] = nil
	}
	if index == s.sharedLUT {
		s.sharedLUT = -1
	}
}

// NextColorLUTIndex returns the index the next AddColorLUT call will use.
func (s *Store) NextColorLUTIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.colorLUTs)
}

// SetColorForSegmentIndex changes one entry of a LUT. Index 0 is reserved.
func (s *Store) SetColorForSegmentIndex(lutIndex, segmentIndex int, c colorlut.Color) error {
	s.mu.Lock()
	if lutIndex < 0 || lutIndex >= len(s.colorLUTs) || s.colorLUTs[lutIndex] == nil {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityColorLUT, ID: strconv.Itoa(lutIndex)}
	}
	if segmentIndex <= 0 {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityColorLUT, ID: strconv.Itoa(lutIndex) + "/" + strconv.Itoa(segmentIndex)}
	}
	lut := s.colorLUTs[lutIndex]
	for len(lut) <= segmentIndex {
		lut = append(lut, colorlut.Unlabeled)
	}
	lut[segmentIndex] = c
	s.colorLUTs[lutIndex] = lut
	s.mu.Unlock()
	return nil
}

// GetColorForSegmentIndex returns one entry of a LUT.
func (s *Store) GetColorForSegmentIndex(lutIndex, segmentIndex int) (colorlut.Color, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lutIndex < 0 || lutIndex >= len(s.colorLUTs) {
		return colorlut.Color{}, false
	}
	lut := s.colorLUTs[lutIndex]
	if segmentIndex < 0 || segmentIndex >= len(lut) {
		return colorlut.Color{}, false
	}
	return lut[segmentIndex], true
}
