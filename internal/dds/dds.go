// Package dds decodes DirectDraw Surface textures into image.Image values.
//
// Only the top-level surface is decoded. Supported encodings are the
// block-compressed DXT1, DXT3 and DXT5 (BC1-BC3, including their DX10 DXGI
// equivalents), uncompressed 24/32-bit RGB(A) with arbitrary channel masks and
// 8-bit luminance.
//
// Importing this package registers the "dds" format with the image package.
package dds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math/bits"
)

const (
	magic      = "DDS "
	headerSize = 124
	dataOffset = 4 + headerSize
	dx10Size   = 20

	// MaxDimension bounds width and height to keep allocations sane.
	MaxDimension = 16384
)

const (
	pfAlphaPixels = 0x1
	pfFourCC      = 0x4
	pfRGB         = 0x40
	pfLuminance   = 0x20000
)

// DXGI formats accepted behind a "DX10" extended header.
const (
	dxgiR8G8B8A8Unorm     = 28
	dxgiR8G8B8A8UnormSRGB = 29
	dxgiBC1Unorm          = 71
	dxgiBC1UnormSRGB      = 72
	dxgiBC2Unorm          = 74
	dxgiBC2UnormSRGB      = 75
	dxgiBC3Unorm          = 77
	dxgiBC3UnormSRGB      = 78
	dxgiB8G8R8A8Unorm     = 87
)

var (
	ErrInvalidMagic      = errors.New("dds: missing \"DDS \" magic")
	ErrInvalidHeader     = errors.New("dds: invalid header")
	ErrUnsupportedFormat = errors.New("dds: unsupported pixel format")
	ErrTruncated         = errors.New("dds: pixel data truncated")
)

func init() {
	image.RegisterFormat("dds", magic, Decode, DecodeConfig)
}

type encoding int

const (
	encDXT1 encoding = iota + 1
	encDXT3
	encDXT5
	encMasked
)

type header struct {
	width, height int
	enc           encoding
	offset        int

	// masked formats only
	bitCount                   int
	rMask, gMask, bMask, aMask uint32
	luminance                  bool
}

// IsDDS reports whether b starts with the DDS magic.
func IsDDS(b []byte) bool {
	return bytes.HasPrefix(b, []byte(magic))
}

// Decode reads a DDS texture from r.
func Decode(r io.Reader) (image.Image, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(b)
}

// DecodeConfig returns the dimensions of the DDS texture in r without
// decoding its pixels.
func DecodeConfig(r io.Reader) (image.Config, error) {
	buf := make([]byte, dataOffset+dx10Size)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return image.Config{}, err
	}

	h, err := parseHeader(buf[:n])
	if err != nil {
		return image.Config{}, err
	}

	return image.Config{ColorModel: color.NRGBAModel, Width: h.width, Height: h.height}, nil
}

// DecodeBytes decodes the DDS texture held in b.
func DecodeBytes(b []byte) (image.Image, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}

	data := b[h.offset:]
	if need := h.dataSize(); len(data) < need {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, need, len(data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, h.width, h.height))

	switch h.enc {
	case encDXT1, encDXT3, encDXT5:
		err = decodeBlocks(img, data, h.enc)
	case encMasked:
		err = decodeMasked(img, data, h)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}

	return img, nil
}

func parseHeader(b []byte) (*header, error) {
	if !IsDDS(b) {
		return nil, ErrInvalidMagic
	}
	if len(b) < dataOffset {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}

	le := binary.LittleEndian
	if size := le.Uint32(b[4:]); size != headerSize {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, size)
	}

	h := &header{
		height: int(le.Uint32(b[12:])),
		width:  int(le.Uint32(b[16:])),
		offset: dataOffset,
	}
	if h.width <= 0 || h.height <= 0 || h.width > MaxDimension || h.height > MaxDimension {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidHeader, h.width, h.height)
	}

	pfFlags := le.Uint32(b[80:])
	fourCC := string(b[84:88])

	switch {
	case pfFlags&pfFourCC != 0:
		switch fourCC {
		case "DXT1":
			h.enc = encDXT1
		case "DXT2", "DXT3":
			h.enc = encDXT3
		case "DXT4", "DXT5":
			h.enc = encDXT5
		case "DX10":
			if len(b) < dataOffset+dx10Size {
				return nil, fmt.Errorf("%w: truncated DX10 header", ErrInvalidHeader)
			}
			h.offset += dx10Size
			if err := h.applyDXGI(le.Uint32(b[dataOffset:])); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: fourCC %q", ErrUnsupportedFormat, fourCC)
		}

	case pfFlags&(pfRGB|pfLuminance) != 0:
		h.enc = encMasked
		h.bitCount = int(le.Uint32(b[88:]))
		h.rMask = le.Uint32(b[92:])
		h.gMask = le.Uint32(b[96:])
		h.bMask = le.Uint32(b[100:])
		if pfFlags&pfAlphaPixels != 0 {
			h.aMask = le.Uint32(b[104:])
		}
		h.luminance = pfFlags&pfLuminance != 0
		switch h.bitCount {
		case 8, 16, 24, 32:
		default:
			return nil, fmt.Errorf("%w: %d bits per pixel", ErrUnsupportedFormat, h.bitCount)
		}

	default:
		return nil, fmt.Errorf("%w: pixel format flags %#x", ErrUnsupportedFormat, pfFlags)
	}

	return h, nil
}

// dataSize is the number of pixel bytes the top-level surface needs.
func (h *header) dataSize() int {
	if h.enc == encMasked {
		return h.width * (h.bitCount / 8) * h.height
	}
	return ((h.width + 3) / 4) * ((h.height + 3) / 4) * blockSize(h.enc)
}

func (h *header) applyDXGI(format uint32) error {
	switch format {
	case dxgiBC1Unorm, dxgiBC1UnormSRGB:
		h.enc = encDXT1
	case dxgiBC2Unorm, dxgiBC2UnormSRGB:
		h.enc = encDXT3
	case dxgiBC3Unorm, dxgiBC3UnormSRGB:
		h.enc = encDXT5
	case dxgiR8G8B8A8Unorm, dxgiR8G8B8A8UnormSRGB:
		h.enc = encMasked
		h.bitCount = 32
		h.rMask, h.gMask, h.bMask, h.aMask = 0x000000ff, 0x0000ff00, 0x00ff0000, 0xff000000
	case dxgiB8G8R8A8Unorm:
		h.enc = encMasked
		h.bitCount = 32
		h.rMask, h.gMask, h.bMask, h.aMask = 0x00ff0000, 0x0000ff00, 0x000000ff, 0xff000000
	default:
		return fmt.Errorf("%w: DXGI format %d", ErrUnsupportedFormat, format)
	}
	return nil
}

func decodeMasked(img *image.NRGBA, data []byte, h *header) error {
	bpp := h.bitCount / 8
	pitch := h.width * bpp
	if len(data) < pitch*h.height {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, pitch*h.height, len(data))
	}

	r := newChannel(h.rMask)
	g := newChannel(h.gMask)
	b := newChannel(h.bMask)
	a := newChannel(h.aMask)

	for y := 0; y < h.height; y++ {
		row := data[y*pitch:]
		for x := 0; x < h.width; x++ {
			var v uint32
			for i := 0; i < bpp; i++ {
				v |= uint32(row[x*bpp+i]) << (8 * i)
			}

			var c color.NRGBA
			if h.luminance {
				l := r.extract(v)
				c = color.NRGBA{R: l, G: l, B: l, A: a.extractOr(v, 0xff)}
			} else {
				c = color.NRGBA{R: r.extract(v), G: g.extract(v), B: b.extract(v), A: a.extractOr(v, 0xff)}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	return nil
}

type channel struct {
	mask  uint32
	shift int
	max   uint32
}

func newChannel(mask uint32) channel {
	if mask == 0 {
		return channel{}
	}
	shift := bits.TrailingZeros32(mask)
	return channel{mask: mask, shift: shift, max: mask >> shift}
}

func (c channel) extract(v uint32) uint8 {
	if c.mask == 0 {
		return 0
	}
	raw := (v & c.mask) >> c.shift
	return uint8(uint64(raw) * 255 / uint64(c.max))
}

func (c channel) extractOr(v uint32, def uint8) uint8 {
	if c.mask == 0 {
		return def
	}
	return c.extract(v)
}
