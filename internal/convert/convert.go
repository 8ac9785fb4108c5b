package convert

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/klippa-app/godds/internal/dds"
)

// Format is the output encoding of a converted texture.
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

var ErrUnknownFormat = errors.New("unknown output format")

// MediaType returns the media type used in the data URI for f.
func (f Format) MediaType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Options controls how decoded textures are encoded.
type Options struct {
	Format Format

	// Quality is the lossy WebP quality (0-100). Zero selects lossless.
	Quality float32

	// MaxDimension downscales textures whose width or height exceeds it,
	// preserving the aspect ratio. Zero disables scaling.
	MaxDimension int
}

// Converter turns raw DDS buffers into data URIs. It holds no mutable state
// and is safe for concurrent use.
type Converter struct {
	opts Options
}

func New(opts Options) (*Converter, error) {
	if opts.Format == "" {
		opts.Format = FormatPNG
	}

	switch opts.Format {
	case FormatPNG, FormatWebP:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}

	if opts.MaxDimension < 0 {
		opts.MaxDimension = 0
	}

	return &Converter{opts: opts}, nil
}

// Decode decodes contents and returns the encoded image as a data URI.
func (c *Converter) Decode(contents []byte) (string, error) {
	img, err := dds.DecodeBytes(contents)
	if err != nil {
		return "", err
	}

	img = c.fit(img)

	var buf bytes.Buffer
	switch c.opts.Format {
	case FormatWebP:
		opts := &webp.Options{Lossless: c.opts.Quality == 0, Quality: c.opts.Quality}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return "", fmt.Errorf("error encoding to webp: %w", err)
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("error encoding to png: %w", err)
		}
	}

	return DataURL(c.opts.Format.MediaType(), buf.Bytes()), nil
}

func (c *Converter) fit(img image.Image) image.Image {
	max := c.opts.MaxDimension
	if max == 0 {
		return img
	}

	b := img.Bounds()
	if b.Dx() <= max && b.Dy() <= max {
		return img
	}

	return imaging.Fit(img, max, max, imaging.Lanczos)
}

// DataURL builds a base64 data URI for contents.
func DataURL(mediaType string, contents []byte) string {
	return EncodedDataURL(mediaType, base64.StdEncoding.EncodeToString(contents))
}

// EncodedDataURL builds a data URI from contents that are already base64
// encoded.
func EncodedDataURL(mediaType, contents string) string {
	return "data:" + mediaType + ";base64," + contents
}
