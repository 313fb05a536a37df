package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/chunkllm/internal/tensor"
)

// File is an opened artifact. Weight views alias the mapped weight file and
// must not be used after Close.
type File struct {
	Path     string
	Manifest Manifest

	data    []byte
	weights []float32
	mmapped bool
}

// Open reads the manifest and maps weights.bin read-only. If mmap is
// unavailable it falls back to reading the file into memory.
func Open(dir string) (*File, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	af := &File{Path: dir, Manifest: m}
	if len(m.Weights) == 0 {
		return af, nil
	}

	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 <= 0 || size64%4 != 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptArtifact, WeightsFile, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		af.mmapped = true
	} else {
		data, err = readAllAt(f, size)
		if err != nil {
			return nil, err
		}
	}
	af.data = data
	if err := af.index(); err != nil {
		_ = af.Close()
		return nil, err
	}
	return af, nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// index validates weight bounds and builds the float32 view. weights.bin is
// little-endian, which matches every supported host.
func (f *File) index() error {
	for _, w := range f.Manifest.Weights {
		end := w.Offset + w.size()
		if end < w.Offset || end > int64(len(f.data)) {
			return fmt.Errorf("%w: weight %q out of bounds", ErrCorruptArtifact, w.Name)
		}
	}
	f.weights = unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(f.data))), len(f.data)/4)
	return nil
}

// Weight returns a zero-copy matrix view of the named weight. One dimensional
// weights are returned as a single row.
func (f *File) Weight(name string) (tensor.Mat, error) {
	for _, w := range f.Manifest.Weights {
		if w.Name != name {
			continue
		}
		start := int(w.Offset / 4)
		n := w.Shape.Elements()
		rows, cols := 1, n
		if len(w.Shape) >= 2 {
			cols = w.Shape.Dim(-1)
			rows = n / cols
		}
		return tensor.NewMatFromData(rows, cols, f.weights[start:start+n])
	}
	return tensor.Mat{}, fmt.Errorf("%w: missing weight %q", ErrCorruptArtifact, name)
}

// Bytes reports the size of the weight payload.
func (f *File) Bytes() int64 { return int64(len(f.data)) }

// Close releases the mapping. Weight views become invalid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.weights = nil
	f.mmapped = false
	return err
}

// Size returns the on-disk size of an artifact directory.
func Size(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
