package opencv

import (
	"fmt"
	"image"
	"image/color"

	"face-attendance/internal/core/pipeline"

	gocv "gocv.io/x/gocv"
)

// Frame wraps a gocv.Mat in BGR order.
type Frame struct {
	Mat gocv.Mat
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Mat.Cols(), f.Mat.Rows())
}

// Close releases the native memory.
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// EncodeRegion returns region (grown by pad times its size on each side and
// clipped to the frame) as JPEG bytes.
func (f *Frame) EncodeRegion(region image.Rectangle, pad float64) ([]byte, error) {
	r := padRect(region, pad).Intersect(f.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v outside frame %v", region, f.Bounds())
	}
	crop := f.Mat.Region(r)
	defer crop.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, crop)
	if err != nil {
		return nil, fmt.Errorf("konnte Ausschnitt nicht encodieren: %w", err)
	}
	defer buf.Close()

	// GetBytes zeigt auf nativen Speicher, deshalb kopieren
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// EncodeJPEG encodes the whole frame.
func (f *Frame) EncodeJPEG() ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, f.Mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

func padRect(r image.Rectangle, pad float64) image.Rectangle {
	if pad <= 0 {
		return r
	}
	dx := int(float64(r.Dx()) * pad)
	dy := int(float64(r.Dy()) * pad)
	return image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
}

// Scaler resizes frames with gocv.
type Scaler struct{}

// Downscale returns a copy of frame scaled by factor.
func (Scaler) Downscale(frame pipeline.Frame, factor float64) (pipeline.Frame, error) {
	src, ok := frame.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unsupported frame type %T", frame)
	}
	dst := gocv.NewMat()
	gocv.Resize(src.Mat, &dst, image.Point{}, factor, factor, gocv.InterpolationLinear)
	if dst.Empty() {
		dst.Close()
		return nil, fmt.Errorf("resize by %.2f produced an empty frame", factor)
	}
	return &Frame{Mat: dst}, nil
}

// annotate draws the face boxes and labels of result onto img.
func annotate(img *gocv.Mat, result pipeline.FrameResult) {
	red := color.RGBA{255, 0, 0, 0}
	green := color.RGBA{0, 255, 0, 0}
	white := color.RGBA{255, 255, 255, 0}

	for _, face := range result.Faces {
		boxColor := red
		if face.Matched {
			boxColor = green
		}
		r := face.Region
		gocv.Rectangle(img, r, boxColor, 2)

		// Beschriftung unter dem Gesicht
		label := image.Rect(r.Min.X, r.Max.Y-35, r.Max.X, r.Max.Y)
		gocv.Rectangle(img, label, boxColor, -1)

		text := face.Label()
		if face.Matched {
			text = fmt.Sprintf("%s %.2f", face.IdentityID, face.Confidence)
		}
		gocv.PutText(img, text, image.Point{X: r.Min.X + 6, Y: r.Max.Y - 6},
			gocv.FontHersheyDuplex, 0.8, white, 1)
	}
}
