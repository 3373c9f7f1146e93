package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the graphviz output.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

var imageFormats = map[ImageFormat]graphviz.Format{
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

var nodeShapes = map[NodeKind]cgraph.Shape{
	NodeKindDecision: cgraph.DiamondShape,
	NodeKindInput:    cgraph.ParallelogramShape,
	NodeKindOutput:   cgraph.EllipseShape,
	NodeKindError:    cgraph.OctagonShape,
	NodeKindStart:    cgraph.CircleShape,
	NodeKindEnd:      cgraph.CircleShape,
}

// RenderImage lays the model out top to bottom with dot. An empty format
// means PNG.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	if format == "" {
		format = FormatPNG
	}
	out, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer g.Close()

	if err := drawGraph(g, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, out, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func drawGraph(g *cgraph.Graph, model *DiagramModel) error {
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		paintNode(gn, n)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if e.Auto {
			ge.SetStyle(cgraph.BoldEdgeStyle)
		}
	}
	return nil
}

func paintNode(gn *cgraph.Node, n *Node) {
	gn.SetLabel(firstLine(n.Label))

	shape, ok := nodeShapes[n.Kind]
	if !ok {
		shape = cgraph.BoxShape
	}
	gn.SetShape(shape)
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}

	if n.Status == nil {
		return
	}
	if sw, known := swatchFor(n.Status.Status); known {
		gn.SetStyle(cgraph.FilledNodeStyle)
		gn.SetFillColor(sw.fill)
		gn.SetColor(sw.stroke)
		gn.SetFontColor(sw.text)
	}
}
