package dds

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

func blockSize(enc encoding) int {
	if enc == encDXT1 {
		return 8
	}
	return 16
}

// decodeBlocks expands 4x4 compressed blocks into img. Blocks overhanging the
// right or bottom edge are clipped.
func decodeBlocks(img *image.NRGBA, data []byte, enc encoding) error {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	bw, bh := (w+3)/4, (h+3)/4
	size := blockSize(enc)

	if need := bw * bh * size; len(data) < need {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, need, len(data))
	}

	var texels [16]color.NRGBA
	for by := 0; by < bh; by++ {
		for bx := 0; bx < bw; bx++ {
			block := data[(by*bw+bx)*size:]

			switch enc {
			case encDXT1:
				decodeColorBlock(&texels, block, true)
			case encDXT3:
				decodeColorBlock(&texels, block[8:], false)
				decodeExplicitAlpha(&texels, block)
			case encDXT5:
				decodeColorBlock(&texels, block[8:], false)
				decodeInterpolatedAlpha(&texels, block)
			}

			for py := 0; py < 4; py++ {
				y := by*4 + py
				if y >= h {
					break
				}
				for px := 0; px < 4; px++ {
					x := bx*4 + px
					if x >= w {
						break
					}
					img.SetNRGBA(x, y, texels[py*4+px])
				}
			}
		}
	}

	return nil
}

func rgb565(c uint16) color.NRGBA {
	r := uint32(c>>11) & 0x1f
	g := uint32(c>>5) & 0x3f
	b := uint32(c) & 0x1f
	return color.NRGBA{
		R: uint8(r * 255 / 31),
		G: uint8(g * 255 / 63),
		B: uint8(b * 255 / 31),
		A: 0xff,
	}
}

func mix(a, b color.NRGBA, wa, wb uint32) color.NRGBA {
	total := wa + wb
	return color.NRGBA{
		R: uint8((uint32(a.R)*wa + uint32(b.R)*wb) / total),
		G: uint8((uint32(a.G)*wa + uint32(b.G)*wb) / total),
		B: uint8((uint32(a.B)*wa + uint32(b.B)*wb) / total),
		A: 0xff,
	}
}

// decodeColorBlock decodes the 8-byte BC1 color part. The three-color mode
// with transparent black is only honored for standalone DXT1 blocks.
func decodeColorBlock(texels *[16]color.NRGBA, block []byte, allowPunchThrough bool) {
	c0 := binary.LittleEndian.Uint16(block[0:])
	c1 := binary.LittleEndian.Uint16(block[2:])

	var palette [4]color.NRGBA
	palette[0] = rgb565(c0)
	palette[1] = rgb565(c1)

	if c0 > c1 || !allowPunchThrough {
		palette[2] = mix(palette[0], palette[1], 2, 1)
		palette[3] = mix(palette[0], palette[1], 1, 2)
	} else {
		palette[2] = mix(palette[0], palette[1], 1, 1)
		palette[3] = color.NRGBA{}
	}

	indices := binary.LittleEndian.Uint32(block[4:])
	for i := 0; i < 16; i++ {
		texels[i] = palette[(indices>>(2*i))&0x3]
	}
}

func decodeExplicitAlpha(texels *[16]color.NRGBA, block []byte) {
	alpha := binary.LittleEndian.Uint64(block[0:])
	for i := 0; i < 16; i++ {
		a := uint8((alpha >> (4 * i)) & 0xf)
		texels[i].A = a<<4 | a
	}
}

func decodeInterpolatedAlpha(texels *[16]color.NRGBA, block []byte) {
	a0, a1 := uint32(block[0]), uint32(block[1])

	var palette [8]uint8
	palette[0], palette[1] = uint8(a0), uint8(a1)
	if a0 > a1 {
		for i := uint32(1); i <= 6; i++ {
			palette[i+1] = uint8(((7-i)*a0 + i*a1) / 7)
		}
	} else {
		for i := uint32(1); i <= 4; i++ {
			palette[i+1] = uint8(((5-i)*a0 + i*a1) / 5)
		}
		palette[6] = 0
		palette[7] = 0xff
	}

	var indices uint64
	for i := 0; i < 6; i++ {
		indices |= uint64(block[2+i]) << (8 * i)
	}
	for i := 0; i < 16; i++ {
		texels[i].A = palette[(indices>>(3*i))&0x7]
	}
}
