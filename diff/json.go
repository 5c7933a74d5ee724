package diff

import (
	"encoding/json"
	"fmt"
	"io"
)

// ReadJSON decodes and validates a WorldDiff, the handoff format from the
// external comparison step.
func ReadJSON(r io.Reader) (*WorldDiff, error) {
	var d WorldDiff
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("diff: decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *WorldDiff) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func (m Manifest) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
