package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	gt "gorgonia.org/tensor"

	"github.com/born-ml/airbench/internal/serialization"
	"github.com/born-ml/airbench/internal/tensor"
)

// CIFAR-10 binary distribution layout: each record is one label byte followed by
// the 32x32 red, green and blue planes.
const (
	recordImageBytes = Channels * ImageSize * ImageSize
	recordBytes      = 1 + recordImageBytes
)

var (
	trainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}
	testFiles  = []string{"test_batch.bin"}
)

// ErrCorruptRecord is returned when a batch file is not a whole number of records.
var ErrCorruptRecord = errors.New("dataset: corrupt CIFAR-10 batch file")

// Store loads CIFAR-10 from the binary distribution and caches the processed
// tensors as SafeTensors files.
type Store struct {
	Dir      string      // directory holding data_batch_*.bin, test_batch.bin, batches.meta.txt
	CacheDir string      // where train.safetensors / test.safetensors live; defaults to Dir
	Logger   *log.Logger // diagnostic output; nil discards
	Tag      string      // recorded in the cache metadata as "session"
}

// LoadCIFAR10 loads the training or test split from dir with caching in dir.
func LoadCIFAR10(dir string, train bool) (*Dataset, error) {
	return (&Store{Dir: dir}).Load(train)
}

// Load returns the requested split, reading the processed cache when present and
// writing it after decoding the raw files otherwise.
func (s *Store) Load(train bool) (*Dataset, error) {
	cache := s.cachePath(train)
	if ds, err := s.readCache(cache); err == nil {
		s.logf("loaded %d images from cache %s", ds.Len(), cache)
		return ds, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logf("ignoring cache %s: %v", cache, err)
	}

	files := testFiles
	if train {
		files = trainFiles
	}
	images, labels, err := s.readBatches(files)
	if err != nil {
		return nil, err
	}
	classes, err := s.readClasses()
	if err != nil {
		return nil, err
	}

	ds, err := New(images, labels, classes)
	if err != nil {
		return nil, err
	}
	if err := s.writeCache(cache, ds); err != nil {
		s.logf("could not write cache %s: %v", cache, err)
	} else {
		s.logf("wrote cache %s (%d images)", cache, ds.Len())
	}
	return ds, nil
}

func (s *Store) cachePath(train bool) string {
	dir := s.CacheDir
	if dir == "" {
		dir = s.Dir
	}
	name := "test.safetensors"
	if train {
		name = "train.safetensors"
	}
	return filepath.Join(dir, name)
}

// readBatches decodes and concatenates the given batch files.
func (s *Store) readBatches(files []string) (*tensor.RawTensor, []int32, error) {
	var (
		pixels []*gt.Dense
		labels []int32
	)
	for _, name := range files {
		path := filepath.Join(s.Dir, name)
		//nolint:gosec // G304: dataset directory is chosen by the user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("dataset: %w", err)
		}
		img, lbl, err := decodeBatch(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		pixels = append(pixels, img)
		labels = append(labels, lbl...)
	}

	all := pixels[0]
	if len(pixels) > 1 {
		var err error
		if all, err = pixels[0].Concat(0, pixels[1:]...); err != nil {
			return nil, nil, fmt.Errorf("dataset: concatenating batches: %w", err)
		}
	}

	images, err := tensor.NewRaw(tensor.Shape{len(labels), Channels, ImageSize, ImageSize}, tensor.Uint8, tensor.CPU)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset: %w", err)
	}
	copy(images.AsUint8(), all.Data().([]uint8))
	return images, labels, nil
}

// decodeBatch splits a batch file into a [n, 3, 32, 32] pixel tensor and its labels.
// The file is viewed as an [n, 3073] matrix; column 0 holds the labels and the
// remaining columns are already in channel-major order.
func decodeBatch(data []byte) (*gt.Dense, []int32, error) {
	if len(data) == 0 || len(data)%recordBytes != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrCorruptRecord, len(data), recordBytes)
	}
	n := len(data) / recordBytes
	records := gt.New(gt.WithShape(n, recordBytes), gt.WithBacking(data))

	labelView, err := records.Slice(nil, gt.S(0))
	if err != nil {
		return nil, nil, fmt.Errorf("slicing labels: %w", err)
	}
	pixelView, err := records.Slice(nil, gt.S(1, recordBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("slicing pixels: %w", err)
	}

	var raw []uint8
	switch v := labelView.Materialize().Data().(type) {
	case []uint8:
		raw = v
	case uint8:
		raw = []uint8{v}
	default:
		return nil, nil, fmt.Errorf("%w: unexpected label type %T", ErrCorruptRecord, v)
	}
	labels := make([]int32, n)
	for i, l := range raw {
		if int(l) >= NumClasses {
			return nil, nil, fmt.Errorf("%w: record %d has label %d", ErrCorruptRecord, i, l)
		}
		labels[i] = int32(l)
	}

	pixels, ok := pixelView.Materialize().(*gt.Dense)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unexpected pixel tensor type", ErrCorruptRecord)
	}
	if err := pixels.Reshape(n, Channels, ImageSize, ImageSize); err != nil {
		return nil, nil, fmt.Errorf("reshaping pixels: %w", err)
	}
	return pixels, labels, nil
}

// readClasses reads batches.meta.txt, one class name per line. A missing file
// yields the standard CIFAR-10 names.
func (s *Store) readClasses() ([]string, error) {
	path := filepath.Join(s.Dir, "batches.meta.txt")
	//nolint:gosec // G304: dataset directory is chosen by the user
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return CIFAR10Classes, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	classes, err := parseClasses(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return classes, nil
}

func parseClasses(r io.Reader) ([]string, error) {
	var classes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			classes = append(classes, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(classes) != NumClasses {
		return nil, fmt.Errorf("expected %d class names, got %d", NumClasses, len(classes))
	}
	return classes, nil
}

func (s *Store) readCache(path string) (*Dataset, error) {
	tensors, meta, err := serialization.ReadSafeTensors(path, tensor.CPU)
	if err != nil {
		return nil, err
	}
	images, ok := tensors["images"]
	if !ok {
		return nil, fmt.Errorf("cache has no images tensor")
	}
	labelsRaw, ok := tensors["labels"]
	if !ok || labelsRaw.DType() != tensor.Int32 {
		return nil, fmt.Errorf("cache has no int32 labels tensor")
	}
	labels := append([]int32(nil), labelsRaw.AsInt32()...)
	return New(images, labels, strings.Split(meta["classes"], ","))
}

func (s *Store) writeCache(path string, ds *Dataset) error {
	labels := tensor.MustRaw(tensor.Shape{ds.Len()}, tensor.Int32, tensor.CPU)
	copy(labels.AsInt32(), ds.Labels())

	meta := map[string]string{"classes": strings.Join(ds.Classes(), ",")}
	if s.Tag != "" {
		meta["session"] = s.Tag
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return serialization.WriteSafeTensors(path, map[string]*tensor.RawTensor{
		"images": ds.Images(),
		"labels": labels,
	}, meta)
}

func (s *Store) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
