package models

import "reflect"

// Style is a layer of rendering options. Nested maps are merged key by key.
type Style map[string]any

// Clone returns a deep copy of the style.
func (s Style) Clone() Style {
	if s == nil {
		return nil
	}
	out := make(Style, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Style:
		return t.Clone()
	case map[string]any:
		return map[string]any(Style(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}

	// typed slices and maps such as []float64 or map[string]float64
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			setCloned(out.Index(i), rv.Index(i))
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem := reflect.New(rv.Type().Elem()).Elem()
			setCloned(elem, iter.Value())
			out.SetMapIndex(iter.Key(), elem)
		}
		return out.Interface()
	}
	return v
}

func setCloned(dst, src reflect.Value) {
	if src.Kind() == reflect.Interface && src.IsNil() {
		return
	}
	c := reflect.ValueOf(cloneValue(src.Interface()))
	if !c.IsValid() {
		return
	}
	dst.Set(c)
}

// MergeStyles deep merges layers left to right; later layers win per key.
func MergeStyles(layers ...Style) Style {
	out := Style{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src Style) {
	for k, v := range src {
		srcMap, srcIsMap := asMap(v)
		dstMap, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			merged := dstMap.Clone()
			mergeInto(merged, srcMap)
			dst[k] = merged
			continue
		}
		dst[k] = cloneValue(v)
	}
}

func asMap(v any) (Style, bool) {
	switch t := v.(type) {
	case Style:
		return t, true
	case map[string]any:
		return Style(t), true
	}
	return nil, false
}

// Float returns key as a float64, or def when absent or not numeric.
func (s Style) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns key as a bool, or def when absent.
func (s Style) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// String returns key as a string, or def when absent.
func (s Style) String(key string, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Equal reports whether two styles hold the same keys and values.
func (s Style) Equal(o Style) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	am, aMap := asMap(a)
	bm, bMap := asMap(b)
	if aMap || bMap {
		return aMap && bMap && am.Equal(bm)
	}
	as, aSlice := a.([]any)
	bs, bSlice := b.([]any)
	if aSlice || bSlice {
		if !aSlice || !bSlice || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valueEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	// values may be non-comparable, such as []float64 colors
	return reflect.DeepEqual(a, b)
}
