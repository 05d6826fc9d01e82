// Package media inspects MP4 files without decoding them: it reads the box
// structure to report codecs, dimensions and duration, and verifies that a
// finished patina output is a playable H.264 MP4.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Static errors for media inspection.
var (
	// ErrNoVideoTrack is returned when an MP4 file has no video track.
	ErrNoVideoTrack = errors.New("no video track found")
	// ErrUnexpectedCodec is returned when the video track is not H.264.
	ErrUnexpectedCodec = errors.New("unexpected video codec")
)

// Codec names reported in Info.
const (
	CodecH264    = "h264"
	CodecHEVC    = "hevc"
	CodecAV1     = "av1"
	CodecAAC     = "aac"
	CodecUnknown = "unknown"
)

// Info describes the tracks of an MP4 file.
type Info struct {
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
	Duration   time.Duration
	Fragmented bool
}

// HasAudio reports whether an audio track was found.
func (i *Info) HasAudio() bool {
	return i.AudioCodec != ""
}

// InspectFile opens path and inspects it.
func InspectFile(path string) (*Info, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Inspect(f)
}

// Inspect reads the MP4 box structure from r. The reader is rewound to the
// start afterwards.
func Inspect(r io.ReadSeeker) (*Info, error) {
	file, err := mp4.DecodeFile(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp4: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}

	moov := file.Moov
	if file.IsFragmented() && file.Init != nil {
		moov = file.Init.Moov
	}
	if moov == nil {
		return nil, ErrNoVideoTrack
	}

	info := &Info{Fragmented: file.IsFragmented()}
	if moov.Mvhd != nil && moov.Mvhd.Timescale > 0 {
		info.Duration = time.Duration(moov.Mvhd.Duration) * time.Second / time.Duration(moov.Mvhd.Timescale)
	}

	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
			continue
		}
		switch trak.Mdia.Hdlr.HandlerType {
		case "vide":
			if info.VideoCodec == "" {
				inspectVideo(trak, info)
			}
		case "soun":
			if info.AudioCodec == "" {
				info.AudioCodec = audioCodec(trak)
			}
		}
	}

	if info.VideoCodec == "" {
		return nil, ErrNoVideoTrack
	}
	return info, nil
}

func sampleEntries(trak *mp4.TrakBox) []mp4.Box {
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return nil
	}
	return trak.Mdia.Minf.Stbl.Stsd.Children
}

func inspectVideo(trak *mp4.TrakBox, info *Info) {
	info.VideoCodec = CodecUnknown
	for _, child := range sampleEntries(trak) {
		switch child.Type() {
		case "avc1", "avc3":
			info.VideoCodec = CodecH264
		case "hvc1", "hev1":
			info.VideoCodec = CodecHEVC
		case "av01":
			info.VideoCodec = CodecAV1
		default:
			continue
		}
		if vse, ok := child.(*mp4.VisualSampleEntryBox); ok {
			info.Width = int(vse.Width)
			info.Height = int(vse.Height)
		}
		return
	}
}

func audioCodec(trak *mp4.TrakBox) string {
	for _, child := range sampleEntries(trak) {
		if child.Type() == "mp4a" {
			return CodecAAC
		}
	}
	return CodecUnknown
}

// Verifier checks that finished outputs are MP4 files carrying an H.264
// video track.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyFile inspects the file at path.
func (v *Verifier) VerifyFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := InspectFile(path)
	if err != nil {
		return err
	}
	if info.VideoCodec != CodecH264 {
		return fmt.Errorf("%w: %s", ErrUnexpectedCodec, info.VideoCodec)
	}
	return nil
}
