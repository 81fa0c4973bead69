package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/audiodam/internal/resilience"
	"github.com/MrWong99/audiodam/pkg/audio"
)

const (
	sinkMaxFailures = 5
	sinkCooldown    = 5 * time.Second
)

// Sink consumes what one output port produces. Sinks are only called from
// the node's worker goroutine.
type Sink interface {
	// SetFormat receives the output's media format whenever it is announced.
	SetFormat(mf audio.MediaFormat)

	// Write consumes one turn of output.
	Write(sd *audio.StreamData) error

	Close() error
}

// guardedSink stops writing to a sink that keeps failing until its breaker
// lets a probe through. Turns rejected in between are lost.
type guardedSink struct {
	Sink
	breaker *resilience.Breaker
}

func guardSink(s Sink, name string, log *slog.Logger) Sink {
	return &guardedSink{
		Sink: s,
		breaker: resilience.New(resilience.Config{
			Name:        name,
			MaxFailures: sinkMaxFailures,
			Cooldown:    sinkCooldown,
			Logger:      log,
		}),
	}
}

func (g *guardedSink) Write(sd *audio.StreamData) error {
	return g.breaker.Do(func() error { return g.Sink.Write(sd) })
}

// segmentSink writes every gate-open segment of an output to its own file.
// PCM segments become 16-bit WAV files, G.722 segments raw bitstream files.
type segmentSink struct {
	log    *slog.Logger
	dir    string
	portID uint32
	mf     audio.MediaFormat
	seq    int

	file *os.File
	enc  *wav.Encoder
	path string
}

// NewSegmentSink creates dir if needed and returns a sink for output portID.
func NewSegmentSink(dir string, portID uint32, log *slog.Logger) (Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("app: sink directory: %w", err)
	}
	return &segmentSink{log: log.With("port_id", portID), dir: dir, portID: portID}, nil
}

func (s *segmentSink) SetFormat(mf audio.MediaFormat) {
	if s.file != nil && mf.Channels != s.mf.Channels {
		// The channel count changed mid-segment; start a new file.
		if err := s.finish(); err != nil {
			s.log.Warn("closing segment failed", "err", err)
		}
	}
	s.mf = mf
}

func (s *segmentSink) Write(sd *audio.StreamData) error {
	var err error
	if n := s.mf.Channels; n > 0 && len(sd.Bufs) > 0 && sd.Bufs[0].Filled > 0 {
		err = s.append(sd.Bufs[:min(n, len(sd.Bufs))])
	}
	if sd.HasEOS() {
		err = errors.Join(err, s.finish())
	}
	return err
}

func (s *segmentSink) append(bufs []audio.Buffer) error {
	if s.file == nil {
		if err := s.start(); err != nil {
			return err
		}
	}
	if s.enc == nil {
		_, err := s.file.Write(bufs[0].Bytes())
		return err
	}
	return s.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: len(bufs), SampleRate: int(s.mf.SampleRate)},
		Data:           audio.Interleave(bufs),
		SourceBitDepth: 16,
	})
}

func (s *segmentSink) start() error {
	ext := ".wav"
	if s.mf.Format == audio.FormatRawCompressed {
		ext = "." + s.mf.Codec.String()
	} else if s.mf.BitsPerSample != 16 {
		return fmt.Errorf("app: sink for output %d: %d-bit pcm: %w", s.portID, s.mf.BitsPerSample, audio.ErrUnsupported)
	}
	s.path = filepath.Join(s.dir, fmt.Sprintf("output-%d-%04d%s", s.portID, s.seq, ext))
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("app: create segment: %w", err)
	}
	s.seq++
	s.file = f
	if s.mf.Format != audio.FormatRawCompressed {
		s.enc = wav.NewEncoder(f, int(s.mf.SampleRate), 16, s.mf.Channels, 1)
	}
	s.log.Debug("segment started", "path", s.path)
	return nil
}

func (s *segmentSink) finish() error {
	if s.file == nil {
		return nil
	}
	var err error
	if s.enc != nil {
		err = s.enc.Close()
	}
	err = errors.Join(err, s.file.Close())
	s.log.Info("segment written", "path", s.path)
	s.file, s.enc, s.path = nil, nil, ""
	return err
}

func (s *segmentSink) Close() error { return s.finish() }
