package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/klippa-app/godds/internal/convert"
	"github.com/klippa-app/godds/internal/dds"
)

// MediaTypeDDS is the media type of DirectDraw Surface textures.
const MediaTypeDDS = "image/vnd-ms.dds"

// Image is an image to display. Contents holds base64 text and takes
// precedence over RawContents.
type Image struct {
	MediaType   string
	Contents    string
	RawContents []byte
}

// Rendered is what a display slot shows. Orientation is the EXIF orientation
// of JPEG sources, or 0 when unknown.
type Rendered struct {
	Source      string
	Orientation int
}

// Load returns a displayable source for img. DDS textures are converted by
// the worker, everything else is wrapped in a data URI as is.
func (c *Client) Load(ctx context.Context, img Image) (Rendered, error) {
	mediaType := img.MediaType

	var raw []byte
	if mediaType == "" || mediaType == MediaTypeDDS || isJPEG(mediaType) {
		var err error
		raw, err = img.bytes()
		if err != nil {
			return Rendered{}, err
		}
	}

	if mediaType == "" {
		mediaType = Sniff(raw)
	}

	if mediaType == MediaTypeDDS {
		source, err := c.Convert(ctx, raw)
		if err != nil {
			return Rendered{}, err
		}
		return Rendered{Source: source}, nil
	}

	rendered := Rendered{}
	if img.Contents != "" {
		rendered.Source = convert.EncodedDataURL(mediaType, img.Contents)
	} else {
		rendered.Source = convert.DataURL(mediaType, img.RawContents)
	}

	if isJPEG(mediaType) {
		rendered.Orientation = orientation(raw)
	}

	return rendered, nil
}

func (img Image) bytes() ([]byte, error) {
	if img.Contents == "" {
		return img.RawContents, nil
	}

	raw, err := base64.StdEncoding.DecodeString(img.Contents)
	if err != nil {
		return nil, fmt.Errorf("could not decode image contents: %w", err)
	}

	return raw, nil
}

// Sniff detects the media type of raw image bytes.
func Sniff(raw []byte) string {
	if dds.IsDDS(raw) {
		return MediaTypeDDS
	}

	mediaType, _, _ := strings.Cut(mimetype.Detect(raw).String(), ";")
	return mediaType
}

func isJPEG(mediaType string) bool {
	return mediaType == "image/jpeg" || mediaType == "image/jpg"
}

func orientation(raw []byte) int {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}

	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 0
	}

	return v
}
