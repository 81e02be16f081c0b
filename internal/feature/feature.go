// Package feature projects parsed records onto the fixed-order numeric
// vectors the outlier model consumes.
package feature

import (
	"sort"

	"github.com/opsline/anomalyd/internal/schema"
)

// Schema is the ordered list of field names defining vector positions.
// It is fixed for the lifetime of one trained model and rebuilt only on
// successful retraining.
type Schema []string

// Extract builds the vector for rec: one position per schema name, 0.0 for
// missing or non-numeric fields. The result always has len(s) elements.
func (s Schema) Extract(rec *schema.ParsedRecord) []float64 {
	vec := make([]float64, len(s))
	for i, name := range s {
		if v, ok := rec.NumericField(name); ok {
			vec[i] = v
		}
	}
	return vec
}

// ExtractBatch vectorizes a batch of records against the same schema.
func (s Schema) ExtractBatch(recs []*schema.ParsedRecord) [][]float64 {
	out := make([][]float64, len(recs))
	for i, rec := range recs {
		out[i] = s.Extract(rec)
	}
	return out
}

// FromBatch derives a schema from a training batch: the union of numeric
// field names seen across the batch, in sorted order, so the same data
// always yields the same schema.
func FromBatch(recs []*schema.ParsedRecord) Schema {
	seen := map[string]struct{}{}
	for _, rec := range recs {
		for name, fv := range rec.Fields {
			if fv.IsNumeric() {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return Schema(names)
}

// Named pairs a vector back with its schema names, for anomaly records.
func (s Schema) Named(vec []float64) map[string]float64 {
	out := make(map[string]float64, len(s))
	for i, name := range s {
		if i < len(vec) {
			out[name] = vec[i]
		}
	}
	return out
}
