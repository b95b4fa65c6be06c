package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxInputImageBytes caps the decoded size of an uploaded source image.
const MaxInputImageBytes = 5 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Payload is a submit request for one job kind.
type Payload interface {
	Kind() Kind
	Input() map[string]any
}

// TextToImagePayload generates an image from a prompt.
type TextToImagePayload struct {
	Prompt    string `json:"prompt" validate:"required,max=1000"`
	Model     string `json:"model" validate:"omitempty,max=64"`
	Style     string `json:"style" validate:"omitempty,max=64"`
	Width     int    `json:"width" validate:"omitempty,min=64,max=2048"`
	Height    int    `json:"height" validate:"omitempty,min=64,max=2048"`
	NumImages int    `json:"num_images" validate:"omitempty,min=1,max=4"`
}

func (p TextToImagePayload) Kind() Kind { return KindTextToImage }

func (p TextToImagePayload) Input() map[string]any {
	model := p.Model
	if model == "" {
		model = "Stable Diffusion 3"
	}
	style := p.Style
	if style == "" {
		style = "Auto"
	}
	return map[string]any{
		"prompt":     strings.TrimSpace(p.Prompt),
		"model":      model,
		"style":      style,
		"width":      orDefault(p.Width, 256),
		"height":     orDefault(p.Height, 256),
		"num_images": orDefault(p.NumImages, 1),
	}
}

// ImageToImagePayload restyles an uploaded image. InputImage is base64 without a data URL prefix.
type ImageToImagePayload struct {
	Prompt      string  `json:"prompt" validate:"max=1000"`
	InputImage  string  `json:"input_image" validate:"required,base64"`
	Width       int     `json:"width" validate:"omitempty,min=64,max=2048"`
	Height      int     `json:"height" validate:"omitempty,min=64,max=2048"`
	PromptStyle string  `json:"prompt_style" validate:"omitempty,max=64"`
	Strength    float64 `json:"strength" validate:"omitempty,gt=0,lte=1"`
}

func (p ImageToImagePayload) Kind() Kind { return KindImageToImage }

func (p ImageToImagePayload) Input() map[string]any {
	style := p.PromptStyle
	if style == "" {
		style = "default"
	}
	strength := p.Strength
	if strength == 0 {
		strength = 0.8
	}
	return map[string]any{
		"prompt":       strings.TrimSpace(p.Prompt),
		"input_image":  p.InputImage,
		"num_images":   1,
		"width":        orDefault(p.Width, 256),
		"height":       orDefault(p.Height, 256),
		"prompt_style": style,
		"strength":     strength,
	}
}

// ValidatePayload checks a payload before anything is written to the store.
func ValidatePayload(p Payload) error {
	if p == nil {
		return errors.New("payload is required")
	}
	switch v := p.(type) {
	case TextToImagePayload:
		v.Prompt = strings.TrimSpace(v.Prompt)
		if err := validate.Struct(v); err != nil {
			return describe(err)
		}
	case *TextToImagePayload:
		return ValidatePayload(*v)
	case ImageToImagePayload:
		if err := validate.Struct(v); err != nil {
			return describe(err)
		}
		if base64.StdEncoding.DecodedLen(len(v.InputImage)) > MaxInputImageBytes+2 {
			return fmt.Errorf("input_image exceeds %d bytes", MaxInputImageBytes)
		}
	case *ImageToImagePayload:
		return ValidatePayload(*v)
	default:
		if !p.Kind().Valid() {
			return fmt.Errorf("unknown job kind %q", p.Kind())
		}
	}
	return nil
}

func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "base64":
		return fmt.Errorf("%s must be base64 encoded", fe.Field())
	}
	return fmt.Errorf("%s failed %q check", fe.Field(), fe.Tag())
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
