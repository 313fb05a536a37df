package api

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newPredictionID() string {
	return "pred_" + uuid.NewString()
}
