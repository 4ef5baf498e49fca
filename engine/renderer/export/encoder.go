package export

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Encoder turns a captured frame into file bytes.
type Encoder interface {
	// Extension is the file extension without the dot.
	Extension() string
	Encode(w io.Writer, img image.Image) error
}

type pngEncoder struct {
	enc png.Encoder
}

func (e *pngEncoder) Extension() string { return "png" }

func (e *pngEncoder) Encode(w io.Writer, img image.Image) error {
	return e.enc.Encode(w, img)
}

type tiffEncoder struct{}

func (tiffEncoder) Extension() string { return "tiff" }

func (tiffEncoder) Encode(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

type bmpEncoder struct{}

func (bmpEncoder) Extension() string { return "bmp" }

func (bmpEncoder) Encode(w io.Writer, img image.Image) error {
	return bmp.Encode(w, img)
}

// PNG is the default encoder. Captures favour speed over size.
func PNG() Encoder {
	return &pngEncoder{enc: png.Encoder{CompressionLevel: png.BestSpeed}}
}

func TIFF() Encoder {
	return tiffEncoder{}
}

func BMP() Encoder {
	return bmpEncoder{}
}

// EncoderFor maps a config format name onto an encoder.
func EncoderFor(format string) (Encoder, error) {
	switch strings.ToLower(format) {
	case "", "png":
		return PNG(), nil
	case "tiff", "tif":
		return TIFF(), nil
	case "bmp":
		return BMP(), nil
	}
	return nil, fmt.Errorf("no encoder for format %q", format)
}
