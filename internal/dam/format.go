package dam

import (
	"fmt"

	"github.com/MrWong99/audiodam/pkg/audio"
)

// SetInputFormat applies the media format a producer announces on the open
// input at portIndex.
//
// Only deinterleaved fixed-point PCM and G.722 are accepted. The first
// accepted format becomes the operating format of the instance; later claims
// on any port must match it or fail with [audio.ErrFormatMismatch] without
// changing state. A compressed stream only counts as set once its encoder
// frame length arrives in-band.
func (i *Instance) SetInputFormat(portIndex int, mf audio.MediaFormat) error {
	switch mf.Format {
	case audio.FormatFixedPoint:
		if mf.Interleaved {
			return fmt.Errorf("dam: interleaved input format: %w", audio.ErrUnsupported)
		}
		if mf.Channels < 1 || mf.Channels > audio.MaxChannelsPerStream {
			return fmt.Errorf("dam: input format with %d channels: %w", mf.Channels, audio.ErrBadParameter)
		}
	case audio.FormatRawCompressed:
		if mf.Codec != audio.CodecG722 {
			return fmt.Errorf("dam: compressed input codec %s: %w", mf.Codec, audio.ErrUnsupported)
		}
		mf.Channels = 1
	default:
		return fmt.Errorf("dam: input data format %s: %w", mf.Format, audio.ErrUnsupported)
	}

	k, ok := i.inputByIndex(portIndex)
	if !ok {
		return fmt.Errorf("dam: no open input at index %d: %w", portIndex, audio.ErrBadParameter)
	}

	if i.formatKnown {
		if !sameFormat(i.format, mf) {
			return fmt.Errorf("dam: input %d claims %s, operating format is %s: %w",
				i.inputs[k].id, mf, i.format, audio.ErrFormatMismatch)
		}
	} else if err := i.acceptFormat(mf); err != nil {
		return err
	}

	p := &i.inputs[k]
	p.channels = mf.Channels
	p.formatSet = i.formatSet
	i.log.Info("input media format set", "port_id", p.id, "format", mf.String(), "ready", p.formatSet)
	return i.initPortsAfterFormat(k)
}

// acceptFormat makes mf the operating format.
func (i *Instance) acceptFormat(mf audio.MediaFormat) error {
	if mf.Format == audio.FormatRawCompressed {
		i.format = audio.MediaFormat{Format: audio.FormatRawCompressed, Codec: mf.Codec, Channels: 1}
		i.formatKnown = true
		return nil
	}
	if err := i.engine.SetPCMFormat(mf.SampleRate, mf.BytesPerSample()); err != nil {
		return fmt.Errorf("dam: engine pcm format: %w", err)
	}
	mf.ChannelTypes = nil
	i.format = mf
	i.formatKnown = true
	i.formatSet = true
	return nil
}

// sameFormat compares a claim against the operating format. Compressed
// formats compare the codec only.
func sameFormat(op, claim audio.MediaFormat) bool {
	if op.Format != claim.Format || op.Codec != claim.Codec {
		return false
	}
	if op.Format == audio.FormatRawCompressed {
		return true
	}
	return op.SampleRate == claim.SampleRate &&
		op.BitsPerSample == claim.BitsPerSample &&
		op.Signed == claim.Signed &&
		op.QFactor == claim.QFactor
}

// initPortsAfterFormat retries writer creation on input k and reader
// creation on every output, then re-votes.
func (i *Instance) initPortsAfterFormat(k int) error {
	var errs []error
	if err := i.checkAndInitInput(k); err != nil {
		errs = append(errs, err)
	}
	for o := range i.outputs {
		if i.outputs[o].id != 0 {
			if err := i.checkAndInitOutput(o); err != nil {
				errs = append(errs, err)
			}
		}
	}
	i.updateVote()
	return joinErrs(errs)
}

// handleFrameLength completes a compressed format from its in-band encoder
// frame length.
func (i *Instance) handleFrameLength(k int, fl audio.FrameLength) error {
	if !i.formatKnown || i.format.Format != audio.FormatRawCompressed || i.format.Codec != audio.CodecG722 {
		i.log.Warn("encoder frame length without a compressed operating format", "port_id", i.inputs[k].id)
		return nil
	}
	if err := i.engine.SetRawCompressedFormat(fl.DurationUs, fl.MaxBytes); err != nil {
		return fmt.Errorf("dam: engine compressed format: %w", err)
	}
	i.formatSet = true
	i.log.Info("compressed format set", "frame_us", fl.DurationUs, "max_frame_bytes", fl.MaxBytes)

	var errs []error
	for p := range i.inputs {
		in := &i.inputs[p]
		if in.id == 0 || in.channels == 0 || in.formatSet {
			continue
		}
		in.formatSet = true
		if err := i.initPortsAfterFormat(p); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrs(errs)
}

// raiseOutputFormat announces output k's format: the operating format with
// the actual channel count and the remapped output channel ids.
func (i *Instance) raiseOutputFormat(k int) {
	o := &i.outputs[k]
	if !i.formatSet || !o.open || o.channelMap == nil {
		return
	}
	var mf audio.MediaFormat
	if i.format.Format == audio.FormatRawCompressed {
		mf = audio.MediaFormat{Format: audio.FormatRawCompressed, Codec: i.format.Codec, Channels: len(o.actualChannels)}
	} else {
		mf = i.format
		mf.Channels = len(o.actualChannels)
		mf.ChannelTypes = make([]uint32, len(o.actualChannels))
		for c, in := range o.actualChannels {
			mf.ChannelTypes[c] = outputChannelFor(o.channelMap, in)
		}
	}
	i.events.OutputMediaFormat(o.index, mf)
}

// outputChannelFor returns the output channel in maps to, or 0.
func outputChannelFor(m []ChannelMap, in uint32) uint32 {
	for _, e := range m {
		if e.InputChannel == in {
			return e.OutputChannel
		}
	}
	return 0
}
