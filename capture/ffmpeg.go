package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"camfleet/api"
)

const stderrTail = 2048

// Source describes how to pull frames out of one camera
type Source struct {
	Camera    api.CameraInfo
	FFmpeg    string // Binary, "ffmpeg" when empty
	FrameRate int
}

// Args is the ffmpeg command line emitting MJPEG frames on stdout
func (s *Source) Args() ([]string, error) {
	args := []string{"-nostdin", "-loglevel", "error"}
	switch s.Camera.Type {
	case "rtsp":
		if s.Camera.RTSPURL == "" {
			return nil, fmt.Errorf("camera %d has no rtsp url", s.Camera.ID)
		}
		args = append(args, "-rtsp_transport", "tcp", "-i", s.Camera.RTSPURL)
	case "webcam":
		if s.Camera.DeviceIndex == nil {
			return nil, fmt.Errorf("camera %d has no device index", s.Camera.ID)
		}
		args = append(args, "-f", "v4l2", "-i", "/dev/video"+strconv.Itoa(*s.Camera.DeviceIndex))
	default:
		return nil, fmt.Errorf("unsupported camera type %q", s.Camera.Type)
	}
	args = append(args, "-an")
	if s.FrameRate > 0 {
		args = append(args, "-vf", "fps="+strconv.Itoa(s.FrameRate))
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "pipe:1"), nil
}

// tailBuffer keeps the last bytes written to it
type tailBuffer struct {
	mutex sync.Mutex
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTail {
		t.buf = t.buf[len(t.buf)-stderrTail:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

type process struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *tailBuffer

	once     sync.Once
	closeErr error
}

// Close kills ffmpeg and reports what it printed on stderr, if anything
func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
		if msg := p.stderr.String(); msg != "" {
			lines := strings.Split(msg, "\n")
			p.closeErr = fmt.Errorf("ffmpeg: %s", lines[len(lines)-1])
		}
	})
	return p.closeErr
}

// FFmpeg opens the source by running ffmpeg
func FFmpeg(src Source) OpenFunc {
	bin := src.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	return func(ctx context.Context) (io.ReadCloser, error) {
		args, err := src.Args()
		if err != nil {
			return nil, err
		}
		cmd := exec.CommandContext(ctx, bin, args...)
		stderr := &tailBuffer{}
		cmd.Stderr = stderr
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err = cmd.Start(); err != nil {
			return nil, err
		}
		return &process{ReadCloser: out, cmd: cmd, stderr: stderr}, nil
	}
}
