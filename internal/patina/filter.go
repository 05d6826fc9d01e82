package patina

import (
	"fmt"
	"strconv"
	"strings"
)

// Fixed names in the engine namespace.
const (
	InputName    = "input.mp4"
	PrescaleName = "lowres.mp4"
	// DownloadName is the suggested filename for the finished video.
	DownloadName = "patina_video.mp4"
)

// IterationName returns the namespace file produced by iteration i.
func IterationName(i int) string {
	return fmt.Sprintf("iter%03d.mp4", i)
}

// IsIntermediate reports whether name is a file produced by the pre-scale pass
// or an iteration.
func IsIntermediate(name string) bool {
	if name == PrescaleName {
		return true
	}
	digits, ok := strings.CutPrefix(name, "iter")
	if !ok {
		return false
	}
	digits, ok = strings.CutSuffix(digits, ".mp4")
	if !ok || len(digits) < 3 {
		return false
	}
	_, err := strconv.Atoi(digits)
	return err == nil
}

// prescaleFilter halves both dimensions, keeping them even.
const prescaleFilter = "scale=trunc(iw*0.5/2)*2:trunc(ih*0.5/2)*2"

// BuildPrescaleArgs returns the argv for the one-off resolution-normalizing pass.
func BuildPrescaleArgs(in, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-vf", prescaleFilter,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "30",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		out,
	}
}

// BuildFilterChain constructs the comma-joined video filter chain for one
// iteration: scaling, colour adjustment, noise, optional frame-rate cap and
// pixel format normalization, in that order.
func BuildFilterChain(p Params) string {
	filters := make([]string, 0, 6)

	if p.InternalScale > 0 && p.InternalScale < 1 {
		// Shrink, then scale back up to the pass's output size; the round trip
		// softens detail without changing the output dimensions.
		filters = append(filters,
			scaleWidth(2, p.InternalScale, 1),
			scaleWidth(p.MinWidth, p.OutputScale/p.InternalScale, 1/p.InternalScale),
		)
	} else {
		filters = append(filters, scaleWidth(p.MinWidth, p.OutputScale, 1))
	}

	filters = append(filters,
		fmt.Sprintf("eq=contrast=%s:brightness=%s:saturation=%s",
			formatFactor(p.Contrast), formatFactor(p.Brightness), formatFactor(p.Saturation)),
		fmt.Sprintf("noise=alls=%d:allf=t", p.Noise),
	)

	if p.FrameRateCap > 0 {
		filters = append(filters, "fps="+strconv.Itoa(p.FrameRateCap))
	}

	filters = append(filters, "format=yuv420p")
	return strings.Join(filters, ",")
}

// BuildIterationArgs returns the argv that encodes in to out with p applied.
func BuildIterationArgs(in, out string, p Params) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-vf", BuildFilterChain(p),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "48k",
		"-ar", "22050",
		"-movflags", "+faststart",
		"-f", "mp4",
		out,
	}
}

// scaleWidth scales the width by factor, keeping it even and at least
// minWidth, but never above iw*limit. The height follows the aspect ratio.
// limit is 1 for a plain pass so frames narrower than minWidth are not enlarged.
func scaleWidth(minWidth int, factor, limit float64) string {
	return fmt.Sprintf("scale='min(trunc(iw*%s/2)*2,max(%d,trunc(iw*%s/2)*2))':-2",
		formatFactor(limit), minWidth, formatFactor(factor))
}

func formatFactor(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
