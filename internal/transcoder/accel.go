package transcoder

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// Accelerator names. Selection is by probing the encoder with a short test
// encode, never by sniffing the OS version.
const (
	AccelSoftware     = "software"
	AccelVAAPI        = "vaapi"
	AccelVideoToolbox = "videotoolbox"
	AccelNVENC        = "nvenc"
)

func encoderFor(videoCodec, accel string) string {
	if videoCodec != "libx264" && videoCodec != "h264" {
		return videoCodec
	}
	switch accel {
	case AccelVAAPI:
		return "h264_vaapi"
	case AccelVideoToolbox:
		return "h264_videotoolbox"
	case AccelNVENC:
		return "h264_nvenc"
	}
	return "libx264"
}

func hwDecodeArgs(accel string) []string {
	switch accel {
	case AccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_output_format", "vaapi"}
	case AccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	case AccelNVENC:
		return []string{"-hwaccel", "cuda"}
	}
	return nil
}

// ProbeAccelerators test-encodes a tenth of a second of generated video on
// each candidate in order and selects the first that succeeds. Software is
// the implicit last resort and is never probed.
func (d *Driver) ProbeAccelerators(ctx context.Context, order []string) string {
	for _, accel := range order {
		if accel == AccelSoftware {
			break
		}
		if d.probeEncoder(ctx, accel) {
			d.mu.Lock()
			d.accel = accel
			d.mu.Unlock()
			d.log.Info().Str("accelerator", accel).Msg("hardware encoder selected")
			return accel
		}
		d.log.Debug().Str("accelerator", accel).Msg("encoder probe failed")
	}
	d.mu.Lock()
	d.accel = AccelSoftware
	d.mu.Unlock()
	d.log.Info().Msg("software encoding selected")
	return AccelSoftware
}

func (d *Driver) probeEncoder(ctx context.Context, accel string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc2=duration=0.1:size=320x240:rate=30",
		"-c:v", encoderFor("libx264", accel),
		"-f", "null", "-",
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.FFmpegPath, args...)
	cmd.Stderr = &stderr
	return cmd.Run() == nil
}
