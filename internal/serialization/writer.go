package serialization

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/born-ml/airbench/internal/tensor"
)

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes tensors to a SafeTensors file.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]
//
// Tensors are written in alphabetical order by name. The checksum of the data
// section is added to the metadata under ChecksumKey. The file is written to a
// temporary name in the same directory and renamed into place, so readers never
// observe a partial file.
func WriteSafeTensors(path string, tensors map[string]*tensor.RawTensor, metadata map[string]string) (err error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if verr := ValidateTensorName(name); verr != nil {
			return verr
		}
		if _, derr := dtypeToSafeTensors(tensors[name].DType()); derr != nil {
			return fmt.Errorf("tensor %q: %w", name, derr)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	headerJSON, err := buildHeader(names, tensors, metadata)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err = w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err = w.Write(tensors[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// buildHeader marshals the JSON header, including the data checksum.
func buildHeader(names []string, tensors map[string]*tensor.RawTensor, metadata map[string]string) ([]byte, error) {
	header := make(map[string]any, len(names)+1)
	h := sha256.New()

	var offset int64
	for _, name := range names {
		raw := tensors[name]
		size := int64(raw.ByteSize())

		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}
		dtype, _ := dtypeToSafeTensors(raw.DType())

		header[name] = SafeTensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
		h.Write(raw.Data())
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[ChecksumKey] = sumHex(h)
	header["__metadata__"] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	return headerJSON, nil
}

// dtypeToSafeTensors converts tensor.DataType to SafeTensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float32:
		return "F32", nil
	case tensor.Int32:
		return "I32", nil
	case tensor.Uint8:
		return "U8", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}

// dtypeFromSafeTensors converts a SafeTensors dtype string to tensor.DataType.
func dtypeFromSafeTensors(s string) (tensor.DataType, error) {
	switch s {
	case "F32":
		return tensor.Float32, nil
	case "I32":
		return tensor.Int32, nil
	case "U8":
		return tensor.Uint8, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, s)
	}
}
