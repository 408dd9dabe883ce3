package capture

import (
	"reflect"
	"strings"
	"testing"

	"github.com/jitcap/jitcap/internal/manifest"
)

func TestBuildCommandSingleInput(t *testing.T) {
	participants := []manifest.Participant{
		{ID: "p1", AudioFile: "audio-p1.opus", RTPURL: "rtp://127.0.0.1:50000"},
	}

	got := BuildCommand(participants, "/rec/r1/seg", false)
	expected := []string{
		"ffmpeg", "-hide_banner", "-nostats", "-loglevel", "info",
		"-protocol_whitelist", "file,udp,rtp,crypto",
		"-use_wallclock_as_timestamps", "1",
		"-fflags", "+igndts+genpts",
		"-i", "rtp://127.0.0.1:50000",
		"-map", "0:a", "-c:a", "copy", "/rec/r1/seg/audio-p1.opus",
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("unexpected command:\n got %v\nwant %v", got, expected)
	}
}

func TestBuildCommandMix(t *testing.T) {
	participants := []manifest.Participant{
		{ID: "p1", AudioFile: "audio-p1.opus", RTPURL: "rtp://127.0.0.1:50000"},
		{ID: "p2", AudioFile: "audio-Bob-p2.opus", RTPURL: "rtp://127.0.0.1:50002"},
	}

	got := BuildCommand(participants, "/rec/r1/seg", true)

	filter := ""
	for i, arg := range got {
		if arg == "-filter_complex" && i+1 < len(got) {
			filter = got[i+1]
		}
	}
	expectedFilter := "[0:a]anull[a0];[1:a]anull[a1];[a0][a1]amix=inputs=2:normalize=0[mixed]"
	if filter != expectedFilter {
		t.Errorf("unexpected filter:\n got %q\nwant %q", filter, expectedFilter)
	}

	tailArgs := got[len(got)-7:]
	expectedTail := []string{"-map", "[mixed]", "-c:a", "aac", "-movflags", "+faststart", "/rec/r1/seg/mix.m4a"}
	if !reflect.DeepEqual(tailArgs, expectedTail) {
		t.Errorf("unexpected mix output args:\n got %v\nwant %v", tailArgs, expectedTail)
	}

	// Both per-participant copies must still be present.
	joined := strings.Join(got, " ")
	if !strings.Contains(joined, "-map 0:a -c:a copy /rec/r1/seg/audio-p1.opus") {
		t.Errorf("missing first track map in %v", got)
	}
	if !strings.Contains(joined, "-map 1:a -c:a copy /rec/r1/seg/audio-Bob-p2.opus") {
		t.Errorf("missing second track map in %v", got)
	}
}

func TestBuildCommandMixNeedsInputs(t *testing.T) {
	got := BuildCommand(nil, "/rec/r1/seg", true)
	for _, arg := range got {
		if arg == "-filter_complex" {
			t.Fatalf("expected no mix filter without inputs, got %v", got)
		}
	}
}

func TestBuildCommandSkipsParticipantsWithoutRTPURL(t *testing.T) {
	participants := []manifest.Participant{
		{ID: "p1", AudioFile: "audio-p1.opus"},
		{ID: "p2", AudioFile: "audio-p2.opus", RTPURL: "rtp://127.0.0.1:50002"},
	}

	got := BuildCommand(participants, "/rec/r1/seg", false)

	inputs := 0
	for i, arg := range got {
		if arg != "-i" {
			continue
		}
		inputs++
		if got[i+1] != "rtp://127.0.0.1:50002" {
			t.Errorf("unexpected input %q", got[i+1])
		}
	}
	if inputs != 1 {
		t.Errorf("expected one input, got %d in %v", inputs, got)
	}

	joined := strings.Join(got, " ")
	if strings.Contains(joined, "audio-p1.opus") {
		t.Errorf("inputless participant must not produce an output: %v", got)
	}
	if !strings.Contains(joined, "-map 0:a -c:a copy /rec/r1/seg/audio-p2.opus") {
		t.Errorf("remaining participant must map input 0: %v", got)
	}
}
