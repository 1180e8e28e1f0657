// Package serialization reads and writes SafeTensors files, used to cache the
// processed dataset between processes.
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON, tensor name -> {dtype, shape, data_offsets}, plus "__metadata__"]
//	  [Tensor data: raw little-endian bytes, tensors in name order]
//
// The writer stores the SHA-256 of the data section in the "sha256" metadata key and
// the reader verifies it, so a truncated or corrupted cache is detected instead of
// silently producing wrong images.
//
// Example usage:
//
//	err := serialization.WriteSafeTensors("train.safetensors", tensors, map[string]string{"classes": "..."})
//
//	tensors, meta, err := serialization.ReadSafeTensors("train.safetensors", tensor.CPU)
package serialization
