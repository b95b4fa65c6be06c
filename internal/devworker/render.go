package devworker

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"

	"memecraft-jobsync/internal/models"
)

// Renderer produces stand-in artifacts. It pixelates an uploaded image or
// paints a flat placeholder derived from the prompt.
type Renderer struct {
	pixelSize int
	maxBytes  int64
}

// NewRenderer builds a renderer; pixelSize is the width of the downsampled grid.
func NewRenderer(pixelSize int) *Renderer {
	if pixelSize <= 0 {
		pixelSize = 32
	}
	return &Renderer{pixelSize: pixelSize, maxBytes: models.MaxInputImageBytes}
}

// renderParams is what the renderer reads from a record's input.
type renderParams struct {
	Prompt     string
	InputImage string
	Width      int
	Height     int
	Strength   float64
}

func paramsFromInput(input map[string]any) renderParams {
	p := renderParams{Width: 256, Height: 256, Strength: 0.8}
	if v, ok := input["prompt"].(string); ok {
		p.Prompt = v
	}
	if v, ok := input["input_image"].(string); ok {
		p.InputImage = v
	}
	if v, ok := asInt(input["width"]); ok && v > 0 {
		p.Width = v
	}
	if v, ok := asInt(input["height"]); ok && v > 0 {
		p.Height = v
	}
	if v, ok := input["strength"].(float64); ok && v > 0 {
		p.Strength = v
	}
	return p
}

// Pixelate decodes the base64 input image and returns a blocky version at the requested size.
func (r *Renderer) Pixelate(input map[string]any) (image.Image, error) {
	p := paramsFromInput(input)
	if p.InputImage == "" {
		return nil, errors.New("input_image is required")
	}
	raw := p.InputImage
	if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i > 0 {
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", r.maxBytes)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}

	small := imaging.Resize(src, r.pixelSize, 0, imaging.Box)
	return imaging.Resize(small, p.Width, p.Height, imaging.NearestNeighbor), nil
}

// Stylize applies a contrast and saturation boost scaled by the requested strength.
func (r *Renderer) Stylize(img image.Image, input map[string]any) image.Image {
	p := paramsFromInput(input)
	out := imaging.AdjustContrast(img, p.Strength*30)
	return imaging.AdjustSaturation(out, p.Strength*40)
}

// Placeholder paints a flat image whose colour is derived from the prompt.
func (r *Renderer) Placeholder(input map[string]any) image.Image {
	p := paramsFromInput(input)
	return imaging.New(p.Width, p.Height, promptColor(p.Prompt))
}

// Encode writes img as PNG.
func (r *Renderer) Encode(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func promptColor(prompt string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(prompt))))
	sum := h.Sum32()
	return color.NRGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 255}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
