package dds_test

import (
	"bytes"
	"image"
	"encoding/binary"
	"image/color"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klippa-app/godds/internal/dds"
	"github.com/klippa-app/godds/internal/dds/ddstest"
)

func TestDecodeBGRA(t *testing.T) {
	t.Parallel()

	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 128})
	src.SetNRGBA(2, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 40})

	img, err := dds.DecodeBytes(ddstest.BGRA(src))
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), img.Bounds())

	out := img.(*image.NRGBA)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			require.Equal(t, src.NRGBAAt(x, y), out.NRGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestDecodeDXT1(t *testing.T) {
	t.Parallel()

	// c0 is pure red, c1 pure blue; index 0 everywhere selects red.
	img, err := dds.DecodeBytes(ddstest.DXT1(6, 5, 0xf800, 0x001f, 0))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 6, 5), img.Bounds())

	out := img.(*image.NRGBA)
	require.Equal(t, color.NRGBA{R: 255, A: 255}, out.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{R: 255, A: 255}, out.NRGBAAt(5, 4))

	// index 1 everywhere selects blue.
	img, err = dds.DecodeBytes(ddstest.DXT1(4, 4, 0xf800, 0x001f, 0x55555555))
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{B: 255, A: 255}, img.(*image.NRGBA).NRGBAAt(3, 3))
}

func TestDecodeDXT1PunchThrough(t *testing.T) {
	t.Parallel()

	// c0 <= c1 selects three-color mode; index 3 is transparent black.
	img, err := dds.DecodeBytes(ddstest.DXT1(4, 4, 0x001f, 0xf800, 0xffffffff))
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{}, img.(*image.NRGBA).NRGBAAt(1, 1))
}

func TestDecodeDXT5Alpha(t *testing.T) {
	t.Parallel()

	img, err := dds.DecodeBytes(ddstest.DXT5(4, 4, 200, 10, 0x07e0))
	require.NoError(t, err)
	require.Equal(t, color.NRGBA{G: 255, A: 200}, img.(*image.NRGBA).NRGBAAt(2, 2))
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := dds.DecodeBytes([]byte("\x89PNG\r\n\x1a\n"))
	require.ErrorIs(t, err, dds.ErrInvalidMagic)

	_, err = dds.DecodeBytes([]byte{0x44, 0x44, 0x53, 0x20})
	require.ErrorIs(t, err, dds.ErrInvalidHeader)

	full := ddstest.DXT1(8, 8, 0xf800, 0x001f, 0)
	_, err = dds.DecodeBytes(full[:len(full)-1])
	require.ErrorIs(t, err, dds.ErrTruncated)

	unsupported := ddstest.DXT1(4, 4, 0, 0, 0)
	copy(unsupported[84:88], "ATI2")
	_, err = dds.DecodeBytes(unsupported)
	require.ErrorIs(t, err, dds.ErrUnsupportedFormat)
}

func TestTruncatedHugeTextureIsRejectedBeforeAllocating(t *testing.T) {
	for name, texture := range map[string][]byte{
		"dxt1":   ddstest.DXT1(4, 4, 0, 0, 0)[:128],
		"masked": ddstest.BGRA(image.NewNRGBA(image.Rect(0, 0, 1, 1)))[:128],
	} {
		t.Run(name, func(t *testing.T) {
			binary.LittleEndian.PutUint32(texture[12:], dds.MaxDimension)
			binary.LittleEndian.PutUint32(texture[16:], dds.MaxDimension)

			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := dds.DecodeBytes(texture)
			runtime.ReadMemStats(&after)

			require.ErrorIs(t, err, dds.ErrTruncated)
			require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
		})
	}
}

func TestRegisteredFormat(t *testing.T) {
	t.Parallel()

	b := ddstest.DXT1(8, 4, 0xf800, 0x001f, 0)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, "dds", format)
	require.Equal(t, 8, cfg.Width)
	require.Equal(t, 4, cfg.Height)

	_, format, err = image.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, "dds", format)
	require.True(t, dds.IsDDS(b))
}
