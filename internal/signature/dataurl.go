package signature

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"

	"github.com/pitabwire/signoff/model"
)

const dataURLPrefix = "data:image/png;base64,"

// DefaultMaxDataURLBytes bounds the decoded size of an uploaded signature.
const DefaultMaxDataURLBytes = 512 * 1024

// FromDataURL decodes a data:image/png;base64 URL produced by a client-side
// canvas. The decoded PNG is returned byte for byte. The image must fit the
// surface described by opts and contain at least one visible pixel.
func FromDataURL(opts Options, raw string, maxBytes int) ([]byte, error) {
	opts = opts.withDefaults()
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDataURLBytes
	}

	if !strings.HasPrefix(raw, dataURLPrefix) {
		return nil, invalid("must be a data:image/png;base64 URL")
	}
	encoded := raw[len(dataURLPrefix):]
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes {
		return nil, invalid(fmt.Sprintf("must not exceed %d bytes", maxBytes))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, invalid("is not valid base64")
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, invalid("is not a PNG image")
	}
	if cfg.Width > opts.Width || cfg.Height > opts.Height {
		return nil, invalid(fmt.Sprintf("must be at most %dx%d pixels", opts.Width, opts.Height))
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, invalid("is not a PNG image")
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 && !opaqueWhite(img.At(x, y).RGBA()) {
				return data, nil
			}
		}
	}
	return nil, model.NewEmptySignatureError()
}

// opaqueWhite treats a solid white pixel as background, matching canvases
// that are filled before drawing.
func opaqueWhite(r, g, b, a uint32) bool {
	return a == 0xffff && r == 0xffff && g == 0xffff && b == 0xffff
}

func invalid(msg string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   "signature.data_url",
		Code:    "invalid",
		Message: "Signature image " + msg,
	}})
}
