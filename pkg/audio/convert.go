package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// BytesPerMs returns the number of bytes one channel of PCM occupies per
// millisecond.
func BytesPerMs(sampleRate, bytesPerSample uint32) uint32 {
	return (sampleRate / 1000) * bytesPerSample
}

// UsToBytes converts a duration in microseconds to a per-channel byte count.
// Sub-millisecond remainders are truncated.
func UsToBytes(us, bytesPerMs uint32) uint32 {
	return (us / 1000) * bytesPerMs
}

// BytesToUs converts a per-channel byte count to microseconds. It returns 0
// when bytesPerMs is 0.
func BytesToUs(n, bytesPerMs uint32) uint32 {
	if bytesPerMs == 0 {
		return 0
	}
	return (n / bytesPerMs) * 1000
}

// Deinterleaver splits interleaved 16-bit samples into per-channel
// little-endian buffers, resampling each channel to Target when the source
// rate differs. Create one per stream; not designed for shared use across
// goroutines.
type Deinterleaver struct {
	Target         uint32
	warnedMismatch sync.Once
}

// Split writes samples (interleaved, channels wide, at srcRate) into bufs.
// Channels beyond len(bufs) are dropped. It returns the number of bytes
// written to each buffer.
func (d *Deinterleaver) Split(samples []int, channels int, srcRate uint32, bufs []Buffer) int {
	if channels <= 0 {
		return 0
	}
	frames := len(samples) / channels
	n := min(channels, len(bufs))
	written := 0
	for ch := range n {
		pcm := make([]byte, frames*2)
		for i := range frames {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(samples[i*channels+ch])))
		}
		if d.Target != 0 && srcRate != d.Target {
			d.warnedMismatch.Do(func() {
				slog.Warn("audio deinterleaver: sample rate mismatch, resampling",
					"from", srcRate,
					"to", d.Target,
				)
			})
			pcm = ResampleMono16(pcm, int(srcRate), int(d.Target))
		}
		b := &bufs[ch]
		c := copy(b.Data[b.Filled:], pcm)
		b.Filled += c
		written = c
	}
	return written
}

// Interleave merges the valid bytes of 16-bit per-channel buffers into
// interleaved integer samples. The shortest buffer bounds the frame count.
func Interleave(bufs []Buffer) []int {
	if len(bufs) == 0 {
		return nil
	}
	frames := bufs[0].Filled / 2
	for i := 1; i < len(bufs); i++ {
		frames = min(frames, bufs[i].Filled/2)
	}
	out := make([]int, frames*len(bufs))
	for f := range frames {
		for ch := range bufs {
			out[f*len(bufs)+ch] = int(int16(binary.LittleEndian.Uint16(bufs[ch].Data[f*2:])))
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
