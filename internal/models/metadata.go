package models

// Well-known metadata keys written by the loader and the assembler.
const (
	// KeyCoord holds the patch window as []int{xMin, xMax, yMin, yMax}.
	KeyCoord = "coord"

	// KeyIndexShape holds the handler shape as []int{rows, cols}.
	KeyIndexShape = "index_shape"

	// KeyCropParams holds crop parameters derived from the ROI as
	// []int{top, left, height, width, srcRows, srcCols}.
	KeyCropParams = "crop_params"

	// KeyCenterCropParams holds center-crop parameters in the same layout.
	KeyCenterCropParams = "center_crop_params"

	// KeyDropout marks an input channel zeroed by modality dropout.
	KeyDropout = "dropout"
)

// Metadata is the per-channel record that travels with every plane.
type Metadata map[string]any

// Clone returns a deep copy of the record. Slice and map values are copied
// so the clone can be mutated without touching the original.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []int:
		return append([]int(nil), val...)
	case []float64:
		return append([]float64(nil), val...)
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case Metadata:
		return val.Clone()
	case map[string]any:
		return Metadata(val).Clone()
	default:
		return v
	}
}

// CloneMetadataList deep-copies a list of records.
func CloneMetadataList(list []Metadata) []Metadata {
	if list == nil {
		return nil
	}
	out := make([]Metadata, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// MergeMetadata returns a copy of dst where every key present in the
// matching src record overrides dst; keys only in dst are preserved.
//
// A single src record is applied to every dst record, which is how the
// one-channel ROI metadata reaches all input channels. With several src
// records, record i feeds dst record i and extra dst records keep their own
// values. An empty dst stays empty. Neither argument is modified.
func MergeMetadata(src, dst []Metadata) []Metadata {
	if len(src) == 0 || len(dst) == 0 {
		return CloneMetadataList(dst)
	}

	out := CloneMetadataList(dst)
	for i := range out {
		var from Metadata
		switch {
		case len(src) == 1:
			from = src[0]
		case i < len(src):
			from = src[i]
		default:
			continue
		}
		if out[i] == nil {
			out[i] = make(Metadata, len(from))
		}
		for k, v := range from {
			out[i][k] = cloneValue(v)
		}
	}
	return out
}

// IntsValue reads an []int stored under key, accepting the []any form that
// YAML and JSON decoding produce.
func (m Metadata) IntsValue(key string) ([]int, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch val := v.(type) {
	case []int:
		return val, true
	case []any:
		out := make([]int, 0, len(val))
		for _, e := range val {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			case float64:
				out = append(out, int(n))
			default:
				return nil, false
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// emptyRecords returns n fresh records.
func emptyRecords(n int) []Metadata {
	out := make([]Metadata, n)
	for i := range out {
		out[i] = Metadata{}
	}
	return out
}

// normalizeRecords pads or trims list to exactly n records.
func normalizeRecords(list []Metadata, n int) []Metadata {
	if len(list) == n {
		for i := range list {
			if list[i] == nil {
				list[i] = Metadata{}
			}
		}
		return list
	}
	out := emptyRecords(n)
	for i := 0; i < n && i < len(list); i++ {
		if list[i] != nil {
			out[i] = list[i]
		}
	}
	return out
}
