package classifier

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var (
	// ErrInvalidImageShape is returned when a RawImage is not (H,W) or (H,W,3|4).
	ErrInvalidImageShape = errors.New("invalid image shape")
	// ErrUnsupportedMat is returned for decoded Mats that are not 8-bit with 1, 3 or 4 channels.
	ErrUnsupportedMat = errors.New("unsupported mat type")
)

// RawImage is a decoded image as a row-major array of 8-bit samples.
// Shape is (height, width) for grayscale, or (height, width, channels)
// with interleaved channels.
type RawImage struct {
	Shape []int
	Pix   []uint8
}

// Validate checks dimensionality, channel count and buffer length.
func (r RawImage) Validate() error {
	if len(r.Shape) < 2 || len(r.Shape) > 3 {
		return fmt.Errorf("%w: %d dimensions", ErrInvalidImageShape, len(r.Shape))
	}
	if len(r.Shape) == 3 && r.Shape[2] != 3 && r.Shape[2] != 4 {
		return fmt.Errorf("%w: %d channels", ErrInvalidImageShape, r.Shape[2])
	}
	size := 1
	for _, d := range r.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidImageShape, r.Shape)
		}
		size *= d
	}
	if len(r.Pix) != size {
		return fmt.Errorf("%w: %v needs %d samples, got %d", ErrInvalidImageShape, r.Shape, size, len(r.Pix))
	}
	return nil
}

func (r RawImage) Height() int { return r.Shape[0] }
func (r RawImage) Width() int  { return r.Shape[1] }

// Channels returns 1 for a 2-D image.
func (r RawImage) Channels() int {
	if len(r.Shape) == 2 {
		return 1
	}
	return r.Shape[2]
}

// DropAlpha turns a 4-channel image back into its color samples: RGB, or a
// 2-D image from the first channel when gray is set. Other images are
// returned unchanged.
func (r RawImage) DropAlpha(gray bool) RawImage {
	if len(r.Shape) != 3 || r.Shape[2] != 4 {
		return r
	}
	n := r.Height() * r.Width()
	if gray {
		pix := make([]uint8, n)
		for i := range pix {
			pix[i] = r.Pix[i*4]
		}
		return RawImage{Shape: []int{r.Height(), r.Width()}, Pix: pix}
	}
	pix := make([]uint8, 0, n*3)
	for i := 0; i < n; i++ {
		pix = append(pix, r.Pix[i*4:i*4+3]...)
	}
	return RawImage{Shape: []int{r.Height(), r.Width(), 3}, Pix: pix}
}

func (r RawImage) toMat() (gocv.Mat, error) {
	var mt gocv.MatType
	switch r.Channels() {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	default:
		mt = gocv.MatTypeCV8UC4
	}
	return gocv.NewMatFromBytes(r.Height(), r.Width(), mt, r.Pix)
}

// FromImage lays out a decoded image the way an array conversion of the
// decoder's native mode would: gray and palette images stay 2-D (palette
// images keep their indices), images carrying an alpha channel become
// 4-channel RGBA with straight alpha, everything else is 3-channel RGB.
func FromImage(img image.Image) RawImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		pix := make([]uint8, 0, w*h)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := src.PixOffset(b.Min.X, y)
			pix = append(pix, src.Pix[off:off+w]...)
		}
		return RawImage{Shape: []int{h, w}, Pix: pix}
	case *image.Gray16:
		pix := make([]uint8, 0, w*h)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				pix = append(pix, uint8(src.Gray16At(x, y).Y>>8))
			}
		}
		return RawImage{Shape: []int{h, w}, Pix: pix}
	case *image.Paletted:
		pix := make([]uint8, 0, w*h)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := src.PixOffset(b.Min.X, y)
			pix = append(pix, src.Pix[off:off+w]...)
		}
		return RawImage{Shape: []int{h, w}, Pix: pix}
	case *image.NRGBA, *image.NRGBA64:
		pix := make([]uint8, 0, w*h*4)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				pix = append(pix, c.R, c.G, c.B, c.A)
			}
		}
		return RawImage{Shape: []int{h, w, 4}, Pix: pix}
	}

	// image/png decodes truecolor without alpha to *image.RGBA, so it lands
	// here with YCbCr jpegs and CMYK.
	pix := make([]uint8, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix = append(pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return RawImage{Shape: []int{h, w, 3}, Pix: pix}
}

// FromMat copies an OpenCV-decoded Mat, whose channels are BGR or BGRA.
func FromMat(m gocv.Mat) (RawImage, error) {
	if m.Empty() {
		return RawImage{}, fmt.Errorf("%w: empty", ErrUnsupportedMat)
	}
	var shape []int
	switch m.Type() {
	case gocv.MatTypeCV8UC1:
		shape = []int{m.Rows(), m.Cols()}
	case gocv.MatTypeCV8UC3:
		shape = []int{m.Rows(), m.Cols(), 3}
	case gocv.MatTypeCV8UC4:
		shape = []int{m.Rows(), m.Cols(), 4}
	default:
		return RawImage{}, fmt.Errorf("%w: %v", ErrUnsupportedMat, m.Type())
	}
	return RawImage{Shape: shape, Pix: m.ToBytes()}, nil
}
