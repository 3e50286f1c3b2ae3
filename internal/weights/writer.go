package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Tensor is an in-memory tensor to be written to a container.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []float32
}

// Write serialises meta and tensors into w. Any Tensors already present in
// meta are replaced by entries computed from tensors.
func Write(w io.Writer, meta Metadata, tensors []Tensor) error {
	infos := make([]TensorInfo, 0, len(tensors))
	var off uint64
	for _, t := range tensors {
		info := TensorInfo{Name: t.Name, DType: t.DType, Shape: append([]int(nil), t.Shape...)}
		n, err := info.Elements()
		if err != nil {
			return err
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape wants %d elements, have %d", t.Name, n, len(t.Data))
		}
		elem, ok := t.DType.ElemSize()
		if !ok {
			return fmt.Errorf("tensor %s: unsupported %s", t.Name, t.DType)
		}
		info.Offset = off
		info.Size = uint64(n * elem)
		off = alignUp(off + info.Size)
		infos = append(infos, info)
	}
	meta.Tensors = infos

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	bw := bufio.NewWriter(w)
	hdr := header{Version: formatVersion, MetaLen: uint64(len(metaBytes))}
	copy(hdr.Magic[:], magic)
	if _, err := bw.Write(encodeHeader(hdr)); err != nil {
		return err
	}
	if _, err := bw.Write(metaBytes); err != nil {
		return err
	}
	written := uint64(headerSize + len(metaBytes))
	if err := pad(bw, alignUp(written)-written); err != nil {
		return err
	}

	var pos uint64
	for i, t := range tensors {
		info := infos[i]
		if err := pad(bw, info.Offset-pos); err != nil {
			return err
		}
		if err := writePayload(bw, t); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		pos = info.Offset + info.Size
	}
	return bw.Flush()
}

// Create writes a container to path via a temporary file in the same directory.
func Create(path string, meta Metadata, tensors []Tensor) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wick-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Write(tmp, meta, tensors); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writePayload(w io.Writer, t Tensor) error {
	var buf [4]byte
	switch t.DType {
	case DTypeF32:
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := w.Write(buf[:4]); err != nil {
				return err
			}
		}
	case DTypeF16:
		for _, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[:], float16.Fromfloat32(v).Bits())
			if _, err := w.Write(buf[:2]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported %s", t.DType)
	}
	return nil
}

func pad(w io.Writer, n uint64) error {
	if n == 0 {
		return nil
	}
	var zero [align]byte
	for n > 0 {
		chunk := min(n, uint64(len(zero)))
		if _, err := w.Write(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
