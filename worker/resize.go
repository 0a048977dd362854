package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	xdraw "golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
)

// ResizeStrategy is how a master image is adapted to a target format.
type ResizeStrategy string

const (
	// StrategyCrop scales and center-crops; used when the aspect ratios are
	// close enough that the cropped margin is negligible.
	StrategyCrop ResizeStrategy = "CROP"
	// StrategyPadding letterboxes onto a neutral background; used for
	// moderate aspect mismatches where cropping would cut real content.
	StrategyPadding ResizeStrategy = "PADDING"
	// StrategyAIRegenerate sends the master through the model to outpaint
	// the missing area; used for extreme mismatches.
	StrategyAIRegenerate ResizeStrategy = "AI_REGENERATE"
)

// Aspect-mismatch thresholds, as a ratio of the larger aspect over the
// smaller one.
const (
	cropThreshold    = 1.2
	paddingThreshold = 2.0
)

// classifyResize picks the strategy for one (master, format) pair.
func classifyResize(srcW, srcH, dstW, dstH int) ResizeStrategy {
	srcAR := float64(srcW) / float64(srcH)
	dstAR := float64(dstW) / float64(dstH)
	mismatch := srcAR / dstAR
	if mismatch < 1 {
		mismatch = 1 / mismatch
	}
	switch {
	case mismatch <= cropThreshold:
		return StrategyCrop
	case mismatch <= paddingThreshold:
		return StrategyPadding
	default:
		return StrategyAIRegenerate
	}
}

// resizeLocal renders the master into the target using the given local
// strategy and returns PNG bytes.
func resizeLocal(src image.Image, dstW, dstH int, strategy ResizeStrategy) ([]byte, error) {
	var out *image.RGBA
	switch strategy {
	case StrategyCrop:
		out = scaleCrop(src, dstW, dstH)
	case StrategyPadding:
		out = scalePad(src, dstW, dstH)
	default:
		return nil, fmt.Errorf("strategy %s is not a local resize", strategy)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}

// scaleCrop scales the source to cover the target and crops the overflow
// evenly around the center.
func scaleCrop(src image.Image, dstW, dstH int) *image.RGBA {
	sb := src.Bounds()
	scale := maxf(float64(dstW)/float64(sb.Dx()), float64(dstH)/float64(sb.Dy()))
	scaledW := int(float64(sb.Dx())*scale + 0.5)
	scaledH := int(float64(sb.Dy())*scale + 0.5)

	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, sb, xdraw.Over, nil)

	out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	offset := image.Pt((scaledW-dstW)/2, (scaledH-dstH)/2)
	xdraw.Draw(out, out.Bounds(), scaled, offset, xdraw.Src)
	return out
}

// scalePad scales the source to fit inside the target and centers it on a
// white canvas.
func scalePad(src image.Image, dstW, dstH int) *image.RGBA {
	sb := src.Bounds()
	scale := minf(float64(dstW)/float64(sb.Dx()), float64(dstH)/float64(sb.Dy()))
	scaledW := int(float64(sb.Dx())*scale + 0.5)
	scaledH := int(float64(sb.Dy())*scale + 0.5)

	out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)

	target := image.Rect(0, 0, scaledW, scaledH).Add(image.Pt((dstW-scaledW)/2, (dstH-scaledH)/2))
	xdraw.CatmullRom.Scale(out, target, src, sb, xdraw.Over, nil)
	return out
}

// regeneratePrompt instructs the model to outpaint a master into the target
// aspect ratio.
func regeneratePrompt(dstW, dstH int) string {
	return fmt.Sprintf(
		"Extend this image to a %d:%d aspect ratio. Keep the original content unchanged and continue the scene naturally into the new area.",
		dstW, dstH)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
