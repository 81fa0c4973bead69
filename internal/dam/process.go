package dam

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/audiodam/pkg/audio"
)

// Process runs one data-plane turn. inputs and outputs are indexed by host
// port index; nil entries and entries beyond the port counts are skipped.
//
// Input metadata is consumed and the data is appended to the reservoir.
// Every started output with an open gate and room in its buffers receives
// the next frame of history or live data. A pending gate close is completed
// here by emitting a flushing end-of-stream marker instead of data.
func (i *Instance) Process(inputs, outputs []*audio.StreamData) error {
	start := time.Now()
	defer func() {
		i.metrics.ProcessDuration.Record(bg, time.Since(start).Seconds())
	}()

	var errs []error
	for k := range i.inputs {
		p := &i.inputs[k]
		if p.id == 0 || !p.open || p.index < 0 || p.index >= len(inputs) || inputs[p.index] == nil {
			continue
		}
		if err := i.processInput(k, inputs[p.index]); err != nil {
			errs = append(errs, err)
		}
	}
	for k := range i.outputs {
		o := &i.outputs[k]
		if o.id == 0 || o.index < 0 || o.index >= len(outputs) {
			continue
		}
		if err := i.processOutput(k, outputs[o.index]); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrs(errs)
}

func (i *Instance) processInput(k int, sd *audio.StreamData) error {
	var errs []error
	for _, md := range sd.Metadata {
		switch md.Kind {
		case audio.MetadataEncoderFrameLength:
			if err := i.handleFrameLength(k, md.FrameLength); err != nil {
				errs = append(errs, err)
			}
		case audio.MetadataEOS:
			// Stale history must not leak into the next segment.
			for o := range i.outputs {
				if r := i.outputs[o].reader; r != nil {
					if _, err := r.Adjust(0, false); err != nil {
						i.log.Warn("resetting reader at end of stream failed", "port_id", i.outputs[o].id, "err", err)
					}
				}
			}
		}
	}
	sd.Metadata = sd.Metadata[:0]

	p := &i.inputs[k]
	if p.writer == nil {
		return joinErrs(errs)
	}
	n := min(len(p.writer.ChannelIDs()), len(sd.Bufs))
	if n > 0 {
		if err := p.writer.Write(sd.Bufs[:n], sd.TimestampUs, sd.TimestampValid); err != nil {
			errs = append(errs, fmt.Errorf("dam: write input %d: %w", p.id, err))
		}
	}
	for c := range sd.Bufs {
		sd.Bufs[c].Filled = 0
	}
	return joinErrs(errs)
}

func (i *Instance) processOutput(k int, sd *audio.StreamData) error {
	o := &i.outputs[k]
	if !o.gateOpen || o.reader == nil || !o.started || sd == nil {
		return nil
	}
	if len(sd.Bufs) == 0 || len(sd.Bufs[0].Data) == 0 || sd.Bufs[0].Full() {
		return nil
	}

	if o.pendingClose {
		sd.Metadata = append(sd.Metadata, audio.Metadata{
			Kind:       audio.MetadataEOS,
			Flushing:   true,
			SkipVoting: o.peerDetector,
		})
		i.metrics.EOSInserted.Add(bg, 1)
		i.log.Debug("end of stream inserted on gate close", "port_id", o.id)
		return i.finishPendingClose(k)
	}

	n := min(len(o.actualChannels), len(sd.Bufs))
	res, err := o.reader.Read(sd.Bufs[:n])
	if errors.Is(err, audio.ErrNeedMore) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dam: read output %d: %w", o.id, err)
	}
	sd.TimestampUs = res.TimestampUs
	sd.TimestampValid = res.TimestampValid

	if o.backlogUs > 0 {
		o.backlogUs -= min(o.backlogUs, res.FrameUs)
		if o.backlogUs == 0 {
			if o.drainHistory {
				o.pendingClose = true
			}
			i.updateVote()
		}
	}
	if o.reader.Batch().Streaming {
		i.updateVote()
	}
	return nil
}
