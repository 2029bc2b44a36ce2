// Package imageio loads frames into registration rasters and writes
// verification images.
package imageio

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gopkg.in/gographics/imagick.v3/imagick"

	"cuip/internal/fsutil"
	"cuip/internal/registration"
)

// Geometry is the fixed layout of headerless .raw frames.
type Geometry struct {
	Rows     int
	Cols     int
	Channels int
}

// Size returns the expected byte length of a frame.
func (g Geometry) Size() int { return g.Rows * g.Cols * g.Channels }

var magickOnce sync.Once

func ensureMagick() { magickOnce.Do(imagick.Initialize) }

// Shutdown releases ImageMagick resources. Call once at process exit.
func Shutdown() { imagick.Terminate() }

// Load reads path as a raw frame when it has the .raw extension and through
// ImageMagick otherwise.
func Load(path string, g Geometry) (registration.Raster, error) {
	if fsutil.IsRawFrame(path) {
		return ReadRaw(path, g)
	}
	return Decode(path)
}

// ReadRaw reads a headerless interleaved 8-bit frame.
func ReadRaw(path string, g Geometry) (registration.Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registration.Raster{}, errors.Wrapf(err, "read %s", path)
	}
	if len(data) != g.Size() {
		return registration.Raster{}, errors.Wrapf(registration.ErrInvalidImageShape,
			"%s: %d bytes, want %dx%dx%d", filepath.Base(path), len(data), g.Rows, g.Cols, g.Channels)
	}
	return registration.RasterFromBytes(g.Rows, g.Cols, g.Channels, data)
}

// WriteRaw writes r as a headerless 8-bit frame, clipping samples to [0, 255].
func WriteRaw(path string, r registration.Raster) error {
	buf := make([]byte, len(r.Pix))
	for i, v := range r.Pix {
		switch {
		case v <= 0:
			buf[i] = 0
		case v >= 255:
			buf[i] = 255
		default:
			buf[i] = uint8(v)
		}
	}
	return errors.Wrapf(os.WriteFile(path, buf, 0o644), "write %s", path)
}

// Decode reads any ImageMagick-supported file as an 8-bit RGB raster.
func Decode(path string) (registration.Raster, error) {
	ensureMagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return registration.Raster{}, errors.Wrapf(err, "read image %s", path)
	}
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return registration.Raster{}, errors.Wrapf(err, "export pixels from %s", path)
	}
	data, ok := pixels.([]byte)
	if !ok {
		return registration.Raster{}, errors.Errorf("unexpected pixel type %T from %s", pixels, path)
	}
	return registration.RasterFromBytes(int(height), int(width), 3, data)
}

// Save writes img to path. The encoder follows the file extension.
func Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	rgba := toRGBA(img)
	b := rgba.Bounds()

	ensureMagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, rgba.Pix); err != nil {
		return errors.Wrap(err, "constitute image")
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext != "" {
		if err := mw.SetImageFormat(strings.ToUpper(ext)); err != nil {
			return errors.Wrapf(err, "set format %s", ext)
		}
	}
	if err := mw.WriteImage(path); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
