// Package ddstest builds small DDS files for tests.
package ddstest

import (
	"encoding/binary"
	"image"
)

const (
	flagCaps        = 0x1
	flagHeight      = 0x2
	flagWidth       = 0x4
	flagPixelFormat = 0x1000

	pfAlphaPixels = 0x1
	pfFourCC      = 0x4
	pfRGB         = 0x40
)

func header(w, h int, pfFlags uint32, fourCC string) []byte {
	b := make([]byte, 128)
	le := binary.LittleEndian

	copy(b, "DDS ")
	le.PutUint32(b[4:], 124)
	le.PutUint32(b[8:], flagCaps|flagHeight|flagWidth|flagPixelFormat)
	le.PutUint32(b[12:], uint32(h))
	le.PutUint32(b[16:], uint32(w))
	le.PutUint32(b[76:], 32)
	le.PutUint32(b[80:], pfFlags)
	copy(b[84:88], fourCC)
	le.PutUint32(b[108:], 0x1000)

	return b
}

// BGRA encodes img as an uncompressed 32-bit DDS with BGRA channel order.
func BGRA(img *image.NRGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	b := header(w, h, pfRGB|pfAlphaPixels, "")

	le := binary.LittleEndian
	le.PutUint32(b[88:], 32)
	le.PutUint32(b[92:], 0x00ff0000)
	le.PutUint32(b[96:], 0x0000ff00)
	le.PutUint32(b[100:], 0x000000ff)
	le.PutUint32(b[104:], 0xff000000)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.NRGBAAt(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			b = append(b, c.B, c.G, c.R, c.A)
		}
	}

	return b
}

// DXT1 encodes a w x h texture in which every block uses the same two
// endpoint colors and index bits.
func DXT1(w, h int, c0, c1 uint16, indices uint32) []byte {
	b := header(w, h, pfFourCC, "DXT1")

	blocks := ((w + 3) / 4) * ((h + 3) / 4)
	block := make([]byte, 8)
	binary.LittleEndian.PutUint16(block[0:], c0)
	binary.LittleEndian.PutUint16(block[2:], c1)
	binary.LittleEndian.PutUint32(block[4:], indices)

	for i := 0; i < blocks; i++ {
		b = append(b, block...)
	}

	return b
}

// DXT5 encodes a w x h texture in which every block has the given alpha
// endpoints with all alpha indices zero, over a solid c0 color block.
func DXT5(w, h int, a0, a1 uint8, c0 uint16) []byte {
	b := header(w, h, pfFourCC, "DXT5")

	blocks := ((w + 3) / 4) * ((h + 3) / 4)
	block := make([]byte, 16)
	block[0], block[1] = a0, a1
	binary.LittleEndian.PutUint16(block[8:], c0)
	binary.LittleEndian.PutUint16(block[10:], c0)

	for i := 0; i < blocks; i++ {
		b = append(b, block...)
	}

	return b
}
