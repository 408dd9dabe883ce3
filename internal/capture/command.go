// Package capture supervises the ffmpeg subprocess that turns forwarded
// RTP streams into per-participant Opus files. It builds the argument
// vector, owns the process lifecycle, and keeps a bounded tail of the
// process log for the session manifest.
package capture

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jitcap/jitcap/internal/manifest"
)

// DefaultBinary is the capture executable resolved from PATH.
const DefaultBinary = "ffmpeg"

// MixFileName is the mixdown output inside the segment directory.
const MixFileName = "mix.m4a"

// BuildCommand produces the ffmpeg argument vector for one segment.
// Participants without an RTP URL are skipped; they appear in the manifest
// but contribute no input. Every remaining participant becomes one RTP
// input copied verbatim to its Opus file. When mix is set and at least one
// input exists, an amix filter graph adds an AAC mixdown.
func BuildCommand(participants []manifest.Participant, outDir string, mix bool) []string {
	inputs := make([]manifest.Participant, 0, len(participants))
	for _, p := range participants {
		if p.RTPURL != "" {
			inputs = append(inputs, p)
		}
	}

	args := []string{DefaultBinary, "-hide_banner", "-nostats", "-loglevel", "info"}

	for _, p := range inputs {
		args = append(args,
			"-protocol_whitelist", "file,udp,rtp,crypto",
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+igndts+genpts",
			"-i", p.RTPURL,
		)
	}

	for i, p := range inputs {
		args = append(args,
			"-map", fmt.Sprintf("%d:a", i),
			"-c:a", "copy",
			filepath.Join(outDir, p.AudioFile),
		)
	}

	if mix && len(inputs) > 0 {
		chains := make([]string, 0, len(inputs))
		refs := make([]string, 0, len(inputs))
		for i := range inputs {
			chains = append(chains, fmt.Sprintf("[%d:a]anull[a%d]", i, i))
			refs = append(refs, fmt.Sprintf("[a%d]", i))
		}
		filter := strings.Join(chains, ";") + ";" +
			strings.Join(refs, "") +
			fmt.Sprintf("amix=inputs=%d:normalize=0[mixed]", len(inputs))
		args = append(args,
			"-filter_complex", filter,
			"-map", "[mixed]",
			"-c:a", "aac",
			"-movflags", "+faststart",
			filepath.Join(outDir, MixFileName),
		)
	}

	return args
}
