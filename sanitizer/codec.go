package sanitizer

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"shielded/model"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

const (
	QualityPreserved = 95
	QualityReduced   = 80
)

// codec re-encodes one image type. outMime and outExt are set when the
// output type differs from the input (webp has no Go encoder).
type codec struct {
	name    string
	lossy   bool
	outMime string
	outExt  string
	decode  func(io.Reader) (image.Image, error)
	config  func(io.Reader) (image.Config, error)
	encode  func(io.Writer, image.Image, int) error
}

var (
	jpegCodec = codec{
		name:   "jpeg",
		lossy:  true,
		decode: jpeg.Decode,
		config: jpeg.DecodeConfig,
		encode: func(w io.Writer, img image.Image, quality int) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
		},
	}
	pngCodec = codec{
		name:   "png",
		decode: png.Decode,
		config: png.DecodeConfig,
		encode: func(w io.Writer, img image.Image, _ int) error {
			enc := png.Encoder{CompressionLevel: png.DefaultCompression}
			return enc.Encode(w, img)
		},
	}
	gifCodec = codec{
		name:   "gif",
		decode: gif.Decode,
		config: gif.DecodeConfig,
		encode: func(w io.Writer, img image.Image, _ int) error {
			return gif.Encode(w, img, &gif.Options{NumColors: 256})
		},
	}
	bmpCodec = codec{
		name:   "bmp",
		decode: bmp.Decode,
		config: bmp.DecodeConfig,
		encode: func(w io.Writer, img image.Image, _ int) error {
			return bmp.Encode(w, img)
		},
	}
	tiffCodec = codec{
		name:   "tiff",
		decode: tiff.Decode,
		config: tiff.DecodeConfig,
		encode: func(w io.Writer, img image.Image, _ int) error {
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
		},
	}
	webpCodec = codec{
		name:    "webp",
		outMime: "image/png",
		outExt:  ".png",
		decode:  webp.Decode,
		config:  webp.DecodeConfig,
		encode:  pngCodec.encode,
	}
)

var codecsByMime = map[string]codec{
	"image/jpeg":     jpegCodec,
	"image/jpg":      jpegCodec,
	"image/pjpeg":    jpegCodec,
	"image/png":      pngCodec,
	"image/gif":      gifCodec,
	"image/bmp":      bmpCodec,
	"image/x-ms-bmp": bmpCodec,
	"image/tiff":     tiffCodec,
	"image/webp":     webpCodec,
}

func lookupCodec(mimeType string) (codec, bool) {
	mimeType, _, _ = strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	c, ok := codecsByMime[mimeType]
	return c, ok
}

// SupportedImageTypes lists, sorted, the image mime types the engine can re-encode.
func SupportedImageTypes() []string {
	return slices.Sorted(maps.Keys(codecsByMime))
}

func (c codec) outputMime(inputMime string) string {
	if c.outMime != "" {
		return c.outMime
	}
	return inputMime
}

func (c codec) outputName(name string) string {
	if c.outExt == "" {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + c.outExt
}

func qualityFor(opts model.ProcessOptions) int {
	if opts.PreserveQuality {
		return QualityPreserved
	}
	return QualityReduced
}

// rasterize decodes data into a raster owned by this call alone.
func rasterize(c codec, data []byte, maxPixels int64) (*image.RGBA, error) {
	cfg, err := c.config(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMediaDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d image", model.ErrMediaDecode, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", model.ErrMediaDecode, cfg.Width, cfg.Height, maxPixels)
	}
	src, err := c.decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMediaDecode, err)
	}
	bounds := src.Bounds()
	raster := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(raster, raster.Bounds(), src, bounds.Min, draw.Src)
	return raster, nil
}

func encodeRaster(c codec, raster image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.encode(&buf, raster, quality); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncode, err)
	}
	if buf.Len() == 0 {
		return nil, model.ErrEncode
	}
	return buf.Bytes(), nil
}
