package avatar

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxEdge = 512
	DefaultQuality = 85
)

var (
	ErrNotImage     = errors.New("file is not a supported image")
	ErrFileTooLarge = errors.New("image file too large")
)

// allowed avatar types; SVG is excluded because it can carry script.
var allowedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

type Image struct {
	Filename string
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

type Options struct {
	MaxEdge  int
	Quality  int
	MaxBytes int
}

// Prepare checks that data is an image and shrinks it so its longest edge is
// at most MaxEdge. Small images are passed through untouched. Images with
// transparency stay PNG; everything else that needs scaling becomes JPEG.
func Prepare(name string, data []byte, opts Options) (*Image, error) {
	if opts.MaxEdge <= 0 {
		opts.MaxEdge = DefaultMaxEdge
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.MaxBytes > 0 && len(data) > opts.MaxBytes {
		return nil, ErrFileTooLarge
	}

	mimeType := mimetype.Detect(data).String()
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	if _, ok := allowedTypes[mimeType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, mimeType)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %v", ErrNotImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: invalid image dimensions", ErrNotImage)
	}

	if bounds.Dx() <= opts.MaxEdge && bounds.Dy() <= opts.MaxEdge {
		return &Image{
			Filename: sanitizeName(name),
			Data:     data,
			MimeType: mimeType,
			Width:    bounds.Dx(),
			Height:   bounds.Dy(),
		}, nil
	}

	width, height := scaleDimensions(bounds.Dx(), bounds.Dy(), opts.MaxEdge)
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)

	buf := bytes.NewBuffer(nil)
	out := &Image{Width: width, Height: height}
	if hasAlpha(scaled) {
		if err := png.Encode(buf, scaled); err != nil {
			return nil, fmt.Errorf("encoding png: %w", err)
		}
		out.MimeType = "image/png"
		out.Filename = withExt(name, ".png")
	} else {
		if err := jpeg.Encode(buf, scaled, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return nil, fmt.Errorf("encoding jpeg: %w", err)
		}
		out.MimeType = "image/jpeg"
		out.Filename = withExt(name, ".jpg")
	}
	out.Data = buf.Bytes()

	return out, nil
}

func scaleDimensions(width, height, maxEdge int) (int, int) {
	if width <= maxEdge && height <= maxEdge {
		return width, height
	}

	if width >= height {
		ratio := float64(maxEdge) / float64(width)
		scaledHeight := int(float64(height)*ratio + 0.5)
		if scaledHeight < 1 {
			scaledHeight = 1
		}
		return maxEdge, scaledHeight
	}

	ratio := float64(maxEdge) / float64(height)
	scaledWidth := int(float64(width)*ratio + 0.5)
	if scaledWidth < 1 {
		scaledWidth = 1
	}
	return scaledWidth, maxEdge
}

func hasAlpha(img *image.RGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return true
		}
	}
	return false
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "avatar"
	}
	if len(name) > 255 {
		return name[:255]
	}
	return name
}

func withExt(name, ext string) string {
	name = sanitizeName(name)
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}
