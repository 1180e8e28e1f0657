package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/born-ml/airbench/internal/tensor"
)

// TensorMeta describes a tensor in a SafeTensors file.
type TensorMeta struct {
	Name   string          // Tensor name (e.g., "images")
	DType  tensor.DataType // Element type
	Shape  tensor.Shape    // Tensor shape
	Offset int64           // Offset in the data section (bytes from start of tensor data)
	Size   int64           // Size in bytes
}

// ReadSafeTensors reads every tensor of a SafeTensors file written by
// WriteSafeTensors onto the given device, together with its metadata.
//
// The header is validated (names, offsets, sizes) and the data section is checked
// against the stored checksum before any tensor is returned.
func ReadSafeTensors(path string, device tensor.Device) (map[string]*tensor.RawTensor, map[string]string, error) {
	//nolint:gosec // G304: the cache path is chosen by the caller
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	metas, metadata, data, err := parseSafeTensors(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := ValidateChecksum(ComputeChecksum(data), metadata[ChecksumKey]); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	tensors := make(map[string]*tensor.RawTensor, len(metas))
	for _, m := range metas {
		raw, err := tensor.NewRaw(m.Shape, m.DType, device)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: tensor %q: %w", path, m.Name, err)
		}
		copy(raw.Data(), data[m.Offset:m.Offset+m.Size])
		tensors[m.Name] = raw
	}
	return tensors, metadata, nil
}

// parseSafeTensors splits buf into the validated tensor table, the metadata and the
// data section.
func parseSafeTensors(buf []byte) ([]TensorMeta, map[string]string, []byte, error) {
	if len(buf) < 8 {
		return nil, nil, nil, ErrTruncated
	}
	headerSize := binary.LittleEndian.Uint64(buf[:8])
	if headerSize > MaxHeaderSize {
		return nil, nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}
	if uint64(len(buf)-8) < headerSize {
		return nil, nil, nil, fmt.Errorf("%w: header needs %d bytes", ErrTruncated, headerSize)
	}
	headerJSON := buf[8 : 8+headerSize]
	data := buf[8+headerSize:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	metadata := map[string]string{}
	if raw, ok := entries["__metadata__"]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		delete(entries, "__metadata__")
	}

	metas := make([]TensorMeta, 0, len(entries))
	for name, raw := range entries {
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, nil, err
		}
		var h SafeTensorHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, nil, nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		m, err := tensorMeta(name, h)
		if err != nil {
			return nil, nil, nil, err
		}
		metas = append(metas, m)
	}

	if err := ValidateTensorOffsets(metas, int64(len(data))); err != nil {
		return nil, nil, nil, err
	}
	return metas, metadata, data, nil
}

func tensorMeta(name string, h SafeTensorHeader) (TensorMeta, error) {
	dtype, err := dtypeFromSafeTensors(h.DType)
	if err != nil {
		return TensorMeta{}, fmt.Errorf("tensor %q: %w", name, err)
	}
	shape := make(tensor.Shape, len(h.Shape))
	for i, d := range h.Shape {
		if d <= 0 {
			return TensorMeta{}, &ValidationError{Type: "invalid_shape", Tensor: name, Details: fmt.Sprintf("dimension %d is %d", i, d)}
		}
		shape[i] = int(d)
	}

	size := h.DataOffsets[1] - h.DataOffsets[0]
	if want := int64(shape.NumElements() * dtype.Size()); size != want {
		return TensorMeta{}, &ValidationError{
			Type:    "size_mismatch",
			Tensor:  name,
			Details: fmt.Sprintf("data_offsets span %d bytes, shape %v needs %d", size, shape, want),
		}
	}
	return TensorMeta{Name: name, DType: dtype, Shape: shape, Offset: h.DataOffsets[0], Size: size}, nil
}
