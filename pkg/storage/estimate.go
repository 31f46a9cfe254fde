package storage

import "encoding/json"

// EstimateSize returns a conservative byte estimate for persisting v as a
// JSON chunk. The serialized length is padded by 20% for formatting and
// filesystem overhead, rounding up, so the estimate overestimates rather
// than underestimates. The same function feeds both individual guard
// checks and transaction totals.
func EstimateSize(v interface{}) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return padEstimate(uint64(len(data))), nil
}
