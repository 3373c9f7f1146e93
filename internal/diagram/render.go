package diagram

import (
	"context"
	"fmt"
)

// Text formats.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)

// Render produces the model in one of mermaid, ascii, png or svg.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case string(FormatPNG), string(FormatSVG):
		return RenderImage(ctx, model, ImageFormat(format))
	}
	return nil, fmt.Errorf("diagram: unknown format %q", format)
}

// IsBinary reports whether format renders to image bytes.
func IsBinary(format string) bool {
	return format == string(FormatPNG)
}
