package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/audiodam/pkg/audio"
)

// Source produces the audio fed into one input port, one process turn at a
// time. Sources are only called from the node's worker goroutine.
type Source interface {
	// Fill appends up to one turn of audio to sd's buffers and may add
	// metadata. It must not block.
	Fill(sd *audio.StreamData) error

	Close() error
}

// wavSource plays a decoded 16-bit WAV file in real time.
type wavSource struct {
	log     *slog.Logger
	path    string
	samples []int
	chans   int
	rate    uint32
	perTurn int // frames per turn at the file's rate
	loop    bool

	pos     int // frame position
	eosSent bool
	split   audio.Deinterleaver
}

// OpenWAVSource decodes the WAV file at path. Each call to Fill advances the
// file by interval and resamples to targetRate.
func OpenWAVSource(path string, interval time.Duration, targetRate uint32, loop bool, log *slog.Logger) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open source: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("app: source %q is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("app: source %q has %d-bit samples; only 16-bit is supported", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("app: decode source %q: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate < 1 {
		return nil, errors.New("app: source has no audio format")
	}

	s := &wavSource{
		log:     log.With("source", path),
		path:    path,
		samples: buf.Data,
		chans:   buf.Format.NumChannels,
		rate:    uint32(buf.Format.SampleRate),
		loop:    loop,
		split:   audio.Deinterleaver{Target: targetRate},
	}
	s.perTurn = int(int64(s.rate) * int64(interval) / int64(time.Second))
	if s.perTurn <= 0 {
		return nil, fmt.Errorf("app: source %q: interval %s is shorter than one sample", path, interval)
	}
	s.log.Debug("source loaded",
		"sample_rate", s.rate,
		"channels", s.chans,
		"frames", len(s.samples)/s.chans,
	)
	return s, nil
}

func (s *wavSource) Fill(sd *audio.StreamData) error {
	total := len(s.samples) / s.chans
	if s.pos >= total {
		if !s.loop {
			if !s.eosSent {
				sd.Metadata = append(sd.Metadata, audio.Metadata{Kind: audio.MetadataEOS})
				s.eosSent = true
				s.log.Info("source finished")
			}
			return nil
		}
		s.pos = 0
	}

	end := min(s.pos+s.perTurn, total)
	sd.TimestampUs = int64(s.pos) * 1_000_000 / int64(s.rate)
	sd.TimestampValid = true
	s.split.Split(s.samples[s.pos*s.chans:end*s.chans], s.chans, s.rate, sd.Bufs)
	s.pos = end
	return nil
}

func (s *wavSource) Close() error {
	s.samples = nil
	return nil
}
