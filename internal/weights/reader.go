package weights

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// File is an opened wick container. Tensor payloads are zero-copy views into
// Data and must not be retained after Close.
type File struct {
	Data    []byte
	Meta    Metadata
	dataOff uint64
	mmapped bool
	byName  map[string]int
}

// Open maps a wick file read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wf, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return wf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

// OpenBytes parses an in-memory wick image.
func OpenBytes(data []byte) (*File, error) {
	return parse(data, false)
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

func parse(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if string(hdr.Magic[:]) != magic {
		return nil, ErrInvalidMagic
	}
	if hdr.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}
	metaEnd := uint64(headerSize) + hdr.MetaLen
	if metaEnd < hdr.MetaLen || metaEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: metadata out of bounds", ErrCorruptFile)
	}

	var meta Metadata
	if err := json.Unmarshal(data[headerSize:metaEnd], &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
	}

	dataOff := alignUp(metaEnd)
	if dataOff > uint64(len(data)) {
		return nil, fmt.Errorf("%w: data section out of bounds", ErrCorruptFile)
	}
	dataLen := uint64(len(data)) - dataOff

	byName := make(map[string]int, len(meta.Tensors))
	for i, t := range meta.Tensors {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %s", ErrCorruptFile, t.Name)
		}
		n, err := t.Elements()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		elem, ok := t.DType.ElemSize()
		if !ok {
			return nil, fmt.Errorf("%w: tensor %s: unsupported %s", ErrCorruptFile, t.Name, t.DType)
		}
		if t.Size != uint64(n)*uint64(elem) {
			return nil, fmt.Errorf("%w: tensor %s: size %d does not match shape", ErrCorruptFile, t.Name, t.Size)
		}
		end := t.Offset + t.Size
		if end < t.Offset || end > dataLen {
			return nil, fmt.Errorf("%w: tensor %s out of bounds", ErrCorruptFile, t.Name)
		}
		byName[t.Name] = i
	}

	return &File{
		Data:    data,
		Meta:    meta,
		dataOff: dataOff,
		mmapped: mmapped,
		byName:  byName,
	}, nil
}

// Close releases the mapping. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.byName = nil
	f.mmapped = false
	return err
}

// Size returns the total byte size of the container.
func (f *File) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// Tensor returns the info and raw payload of a named tensor.
func (f *File) Tensor(name string) (TensorInfo, []byte, error) {
	if f == nil || f.Data == nil {
		return TensorInfo{}, nil, ErrTensorNotFound
	}
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	t := f.Meta.Tensors[i]
	start := f.dataOff + t.Offset
	return t, f.Data[start : start+t.Size], nil
}
