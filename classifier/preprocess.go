package classifier

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Spatial size and channel count of the model input.
const (
	InputHeight   = 224
	InputWidth    = 224
	InputChannels = 3
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NormalizeChannels converts img to a 3-channel RGB Mat written to dst.
//
// A 3-channel input is always treated as BGR and swapped, so an image that
// is already RGB comes out as BGR. The decision threshold was calibrated
// with this behavior and both have to change together.
func NormalizeChannels(img RawImage, dst *gocv.Mat) error {
	if err := img.Validate(); err != nil {
		return err
	}
	src, err := img.toMat()
	if err != nil {
		return fmt.Errorf("create mat: %w", err)
	}
	defer src.Close()

	switch {
	case len(img.Shape) == 2:
		gocv.CvtColor(src, dst, gocv.ColorGrayToRGB)
	case img.Shape[2] == 4:
		gocv.CvtColor(src, dst, gocv.ColorRGBAToRGB)
	default:
		gocv.CvtColor(src, dst, gocv.ColorBGRToRGB)
	}
	if dst.Empty() || dst.Channels() != InputChannels {
		return fmt.Errorf("channel conversion produced %d channels", dst.Channels())
	}
	return nil
}

// Resize resamples src to InputWidth x InputHeight with bilinear interpolation.
func Resize(src gocv.Mat, dst *gocv.Mat) error {
	gocv.Resize(src, dst, image.Pt(InputWidth, InputHeight), 0, 0, gocv.InterpolationLinear)
	if dst.Rows() != InputHeight || dst.Cols() != InputWidth {
		return fmt.Errorf("resize produced %dx%d", dst.Cols(), dst.Rows())
	}
	return nil
}

// ToTensor casts src to float32 without rescaling and adds a batch dimension.
func ToTensor(src gocv.Mat) (Tensor, error) {
	f := gocv.NewMat()
	defer f.Close()
	src.ConvertTo(&f, gocv.MatTypeCV32F)

	v, err := f.DataPtrFloat32()
	if err != nil {
		return Tensor{}, fmt.Errorf("read float data: %w", err)
	}
	data := make([]float32, len(v))
	copy(data, v)
	return Tensor{
		Shape: []int64{1, int64(src.Rows()), int64(src.Cols()), int64(src.Channels())},
		Data:  data,
	}, nil
}

// Preprocess runs channel normalization, resize and tensor shaping.
func Preprocess(img RawImage) (Tensor, error) {
	rgb := gocv.NewMat()
	defer rgb.Close()
	if err := NormalizeChannels(img, &rgb); err != nil {
		return Tensor{}, err
	}

	resized := gocv.NewMat()
	defer resized.Close()
	if err := Resize(rgb, &resized); err != nil {
		return Tensor{}, err
	}
	return ToTensor(resized)
}
