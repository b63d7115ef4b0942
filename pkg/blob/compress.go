package blob

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/jacktea/xgallery/pkg/xerrors"
)

const (
	DefaultMaxBytes     = 200 * 1024
	DefaultStartQuality = 80
	DefaultQualityStep  = 10
	DefaultFloorQuality = 10
)

// Compressor re-encodes images as JPEG, lowering quality in fixed steps until
// the output fits MaxBytes. Qualities at or below Floor are never tried; the
// last rung above it is kept whatever its size.
type Compressor struct {
	MaxBytes     int
	StartQuality int
	Step         int
	Floor        int
}

// Compressed is the outcome of one Compress call.
type Compressed struct {
	Data     []byte
	Quality  int
	Attempts int
}

// DefaultCompressor targets 200 KiB starting at quality 80.
func DefaultCompressor() Compressor {
	return Compressor{
		MaxBytes:     DefaultMaxBytes,
		StartQuality: DefaultStartQuality,
		Step:         DefaultQualityStep,
		Floor:        DefaultFloorQuality,
	}
}

func (c Compressor) withDefaults() Compressor {
	def := DefaultCompressor()
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.StartQuality <= 0 || c.StartQuality > 100 {
		c.StartQuality = def.StartQuality
	}
	if c.Step <= 0 {
		c.Step = def.Step
	}
	if c.Floor < 0 || c.Floor >= c.StartQuality {
		c.Floor = def.Floor
	}
	return c
}

// MaxAttempts is the number of encodes the ladder can perform.
func (c Compressor) MaxAttempts() int {
	c = c.withDefaults()
	n := 1
	for q := c.StartQuality; q-c.Step > c.Floor; q -= c.Step {
		n++
	}
	return n
}

// Compress runs the quality ladder over img.
func (c Compressor) Compress(img image.Image) (Compressed, error) {
	c = c.withDefaults()
	quality := c.StartQuality
	data, err := encodeJPEG(img, quality)
	if err != nil {
		return Compressed{}, err
	}
	attempts := 1
	for len(data) > c.MaxBytes && quality-c.Step > c.Floor {
		quality -= c.Step
		data, err = encodeJPEG(img, quality)
		if err != nil {
			return Compressed{}, err
		}
		attempts++
	}
	return Compressed{Data: data, Quality: quality, Attempts: attempts}, nil
}

// CompressBytes decodes raw (JPEG, PNG, GIF, WebP or BMP) and compresses it.
func (c Compressor) CompressBytes(raw []byte) (Compressed, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Compressed{}, xerrors.Wrap(xerrors.KindDecode, "blob.Compress", "", err)
	}
	return c.Compress(img)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecode, "blob.encode", "", err)
	}
	return buf.Bytes(), nil
}
