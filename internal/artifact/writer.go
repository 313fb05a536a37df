package artifact

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Weight is a named matrix to be written into an artifact.
type Weight struct {
	Info WeightInfo
	Data []float32
}

// Write creates dir and stores the manifest and weights. Weight offsets in
// the manifest are assigned here in the order given.
func Write(dir string, m Manifest, weights []Weight) error {
	m.Weights = m.Weights[:0:0]
	var off int64
	for _, w := range weights {
		if len(w.Data) != w.Info.Shape.Elements() {
			return fmt.Errorf("%w: weight %q has %d values for shape %s", ErrInvalidManifest, w.Info.Name, len(w.Data), w.Info.Shape)
		}
		info := w.Info
		info.Offset = off
		m.Weights = append(m.Weights, info)
		off += info.size()
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), raw, 0o644); err != nil {
		return err
	}
	if len(weights) == 0 {
		return nil
	}

	out, err := os.Create(filepath.Join(dir, WeightsFile))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(out)
	var buf [4]byte
	for _, w := range weights {
		for _, v := range w.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				_ = out.Close()
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
