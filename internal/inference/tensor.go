package inference

import "fmt"

// DType is the element encoding the model expects.
type DType string

const (
	Float32 DType = "float32"
	Uint8   DType = "uint8"
)

func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case Float32, "":
		return Float32, nil
	case Uint8:
		return Uint8, nil
	}
	return "", fmt.Errorf("unsupported input dtype %q", s)
}

// InputSpec is the fixed input contract of a model: one HxWx3 image.
type InputSpec struct {
	Height int   `json:"height"`
	Width  int   `json:"width"`
	DType  DType `json:"dtype"`
}

func (s InputSpec) Elements() int { return s.Height * s.Width * 3 }

func (s InputSpec) Valid() bool { return s.Height > 0 && s.Width > 0 && s.DType != "" }

// Tensor is a 1xHxWx3 image in row-major, channel-last order. Exactly one of F32 or U8 is set.
type Tensor struct {
	Spec InputSpec
	F32  []float32
	U8   []uint8
}

func (t Tensor) Len() int {
	if t.Spec.DType == Uint8 {
		return len(t.U8)
	}
	return len(t.F32)
}

// At returns element i as float64 regardless of encoding.
func (t Tensor) At(i int) float64 {
	if t.Spec.DType == Uint8 {
		return float64(t.U8[i])
	}
	return float64(t.F32[i])
}

func (t Tensor) check(want InputSpec) error {
	if t.Spec != want {
		return fmt.Errorf("tensor shape %dx%d/%s does not match model input %dx%d/%s",
			t.Spec.Height, t.Spec.Width, t.Spec.DType, want.Height, want.Width, want.DType)
	}
	if t.Len() != want.Elements() {
		return fmt.Errorf("tensor has %d elements, model wants %d", t.Len(), want.Elements())
	}
	return nil
}
