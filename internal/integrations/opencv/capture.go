package opencv

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"face-attendance/internal/core/pipeline"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// Capture is a pipeline.VideoSource backed by gocv.VideoCapture.
type Capture struct {
	device string
	file   bool
	vc     *gocv.VideoCapture
}

// OpenCapture opens a device index ("0"), a stream URL or a video file.
func OpenCapture(device string) (*Capture, error) {
	var target interface{} = device
	if idx, err := strconv.Atoi(device); err == nil {
		target = idx
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("konnte Videoquelle %q nicht öffnen: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("videoquelle %q ist nicht geöffnet", device)
	}

	log.Infof("Video source opened: %s", device)
	return &Capture{device: device, file: isFile(device), vc: vc}, nil
}

// isFile reports whether device names a finite source. A failed read from a
// file means the end of the video, from a camera or stream it is an error.
func isFile(device string) bool {
	if _, err := strconv.Atoi(device); err == nil {
		return false
	}
	return !strings.Contains(device, "://")
}

// Read grabs the next frame.
func (c *Capture) Read(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat := gocv.NewMat()
	if ok := c.vc.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		if c.file {
			return nil, pipeline.ErrSourceExhausted
		}
		return nil, fmt.Errorf("konnte kein Bild von %s lesen", c.device)
	}
	return &Frame{Mat: mat}, nil
}

// Close releases the device.
func (c *Capture) Close() error {
	return c.vc.Close()
}
