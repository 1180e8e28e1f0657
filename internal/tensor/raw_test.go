package tensor

import (
	"testing"
)

func TestRawTensorAsFloat32(t *testing.T) {
	raw, err := NewRaw(Shape{3, 2}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	data := raw.AsFloat32()
	if len(data) != 6 {
		t.Errorf("AsFloat32 length = %d, want 6", len(data))
	}

	// Zero-copy view
	data[0] = 42
	if raw.AsFloat32()[0] != 42 {
		t.Error("AsFloat32 should return zero-copy slice")
	}
}

func TestRawTensorAsUint8(t *testing.T) {
	raw, _ := NewRaw(Shape{4, 4}, Uint8, CPU)
	data := raw.AsUint8()
	if len(data) != 16 {
		t.Errorf("AsUint8 length = %d, want 16", len(data))
	}
	data[0] = 255
	if raw.AsUint8()[0] != 255 {
		t.Error("AsUint8 should return zero-copy slice")
	}
}

func TestRawTensorWrongDTypePanics(t *testing.T) {
	raw, _ := NewRaw(Shape{2}, Int32, CPU)
	defer func() {
		if recover() == nil {
			t.Error("AsFloat32 on int32 tensor should panic")
		}
	}()
	_ = raw.AsFloat32()
}

func TestNewRawInvalidShape(t *testing.T) {
	if _, err := NewRaw(Shape{2, 0}, Float32, CPU); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestRawTensorCloneIsIndependent(t *testing.T) {
	raw, _ := NewRaw(Shape{2, 2}, Float32, CPU)
	copy(raw.AsFloat32(), []float32{1, 2, 3, 4})

	clone := raw.Clone()
	clone.AsFloat32()[0] = 100

	if raw.AsFloat32()[0] != 1 {
		t.Errorf("original modified through clone: got %v", raw.AsFloat32()[0])
	}
	if !clone.Shape().Equal(raw.Shape()) {
		t.Errorf("clone shape = %v, want %v", clone.Shape(), raw.Shape())
	}
}

func TestRawTensorCopyFrom(t *testing.T) {
	dst, _ := NewRaw(Shape{3}, Float32, CPU)
	src, _ := NewRaw(Shape{3}, Float32, CPU)
	copy(src.AsFloat32(), []float32{1, 2, 3})

	if err := dst.CopyFrom(src); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	for i, v := range []float32{1, 2, 3} {
		if dst.AsFloat32()[i] != v {
			t.Errorf("dst[%d] = %v, want %v", i, dst.AsFloat32()[i], v)
		}
	}

	bad, _ := NewRaw(Shape{4}, Float32, CPU)
	if err := dst.CopyFrom(bad); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestRawTensorWithShapeSharesMemory(t *testing.T) {
	raw, _ := NewRaw(Shape{2, 3}, Float32, CPU)
	view, err := raw.WithShape(Shape{6})
	if err != nil {
		t.Fatalf("WithShape: %v", err)
	}
	view.AsFloat32()[5] = 7
	if raw.AsFloat32()[5] != 7 {
		t.Error("WithShape should share memory")
	}
	if _, err := raw.WithShape(Shape{5}); err == nil {
		t.Error("expected element count mismatch error")
	}
}
