package llm

import (
	"context"
	"strings"
)

const ocrInstruction = "请提取这张图片中的所有文字内容。"

// ExtractTextFromImage runs OCR on a base64 image. Model and temperature
// are fixed for this call regardless of the configured defaults.
func (g *Gateway) ExtractTextFromImage(ctx context.Context, prompt string, img Image) Result[string] {
	if !g.Available() {
		return Result[string]{Error: ErrTextNoProvider}
	}
	return Call(ctx, g, Spec{
		SystemPrompt: prompt,
		Message:      ocrInstruction,
		Model:        g.visionModel,
		Temperature:  Float(TemperatureVision),
		Format:       FormatText,
		Image:        &img,
	}, func(raw string) (string, error) {
		return strings.TrimSpace(raw), nil
	})
}
