package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/audiodam/internal/config"
	"github.com/MrWong99/audiodam/internal/dam"
	"github.com/MrWong99/audiodam/internal/health"
)

// Status is a point-in-time view of the node served on /statusz.
type Status struct {
	ID            string          `json:"id"`
	Format        string          `json:"format,omitempty"`
	FormatSet     bool            `json:"format_set"`
	VoteKPPS      uint32          `json:"vote_kpps"`
	TriggerPolicy bool            `json:"trigger_policy"`
	Turns         uint64          `json:"turns"`
	Inputs        []InputStatus   `json:"inputs"`
	Outputs       []OutputStatus  `json:"outputs"`
	ControlPorts  []ControlStatus `json:"control_ports"`
}

// InputStatus describes one configured input.
type InputStatus struct {
	ID        uint32   `json:"id"`
	Index     int      `json:"index"`
	Open      bool     `json:"open"`
	Started   bool     `json:"started"`
	FormatSet bool     `json:"format_set"`
	Buffered  []uint32 `json:"buffered_channels,omitempty"`
}

// OutputStatus describes one configured output.
type OutputStatus struct {
	ID             uint32   `json:"id"`
	Index          int      `json:"index"`
	Open           bool     `json:"open"`
	Started        bool     `json:"started"`
	Gate           string   `json:"gate"`
	HasReader      bool     `json:"has_reader"`
	Virtual        bool     `json:"virtual"`
	BacklogUs      uint32   `json:"backlog_us"`
	ActualChannels []uint32 `json:"actual_channels,omitempty"`
	ResizeUs       uint32   `json:"resize_us"`
	Heap           uint32   `json:"heap"`
	PeerDetector   bool     `json:"peer_detector"`
	ControlPortID  uint32   `json:"control_port"`
}

// ControlStatus describes one configured control port.
type ControlStatus struct {
	ID        uint32 `json:"id"`
	State     string `json:"state"`
	Connected bool   `json:"link_connected"`
}

// Status collects a snapshot on the worker goroutine.
func (n *Node) Status(ctx context.Context, cfg *config.Config) (Status, error) {
	var st Status
	err := n.Do(ctx, func(inst *dam.Instance) error {
		mf, set := inst.Format()
		st = Status{
			ID:            inst.ID(),
			FormatSet:     set,
			VoteKPPS:      inst.Vote(),
			TriggerPolicy: inst.PolicyEnabled(),
			Turns:         n.turns.Load(),
		}
		if set {
			st.Format = mf.String()
		}
		for _, in := range cfg.Inputs {
			s := inst.InputState(in.Index)
			st.Inputs = append(st.Inputs, InputStatus{
				ID:        in.ID,
				Index:     in.Index,
				Open:      s.Open,
				Started:   s.Started,
				FormatSet: s.FormatSet,
				Buffered:  s.Buffered,
			})
		}
		for _, out := range cfg.Outputs {
			s := inst.OutputState(out.Index)
			st.Outputs = append(st.Outputs, OutputStatus{
				ID:             out.ID,
				Index:          out.Index,
				Open:           s.Open,
				Started:        s.Started,
				Gate:           s.Gate.String(),
				HasReader:      s.HasReader,
				Virtual:        s.Virtual,
				BacklogUs:      s.BacklogUs,
				ActualChannels: s.ActualChannels,
				ResizeUs:       s.ResizeUs,
				Heap:           uint32(s.Heap),
				PeerDetector:   s.PeerDetector,
				ControlPortID:  s.ControlPortID,
			})
		}
		for _, cp := range cfg.ControlPorts {
			st.ControlPorts = append(st.ControlPorts, ControlStatus{
				ID:        cp.ID,
				State:     inst.ControlState(cp.ID).String(),
				Connected: n.links.Connected(cp.ID),
			})
		}
		return nil
	})
	return st, err
}

// readinessCheckers reports the node ready once the worker answers, the
// operating format is set and every configured output has a reader.
func (n *Node) readinessCheckers(cfg *config.Config) []health.Checker {
	return []health.Checker{
		{Name: "worker", Check: func(ctx context.Context) error {
			return n.Do(ctx, func(*dam.Instance) error { return nil })
		}},
		{Name: "format", Check: func(ctx context.Context) error {
			return n.Do(ctx, func(inst *dam.Instance) error {
				if _, set := inst.Format(); !set {
					return errors.New("operating format not set")
				}
				return nil
			})
		}},
		{Name: "outputs", Check: func(ctx context.Context) error {
			return n.Do(ctx, func(inst *dam.Instance) error {
				var errs []error
				for _, out := range cfg.Outputs {
					if !inst.OutputState(out.Index).HasReader {
						errs = append(errs, fmt.Errorf("output %d has no reader", out.ID))
					}
				}
				return errors.Join(errs...)
			})
		}},
	}
}
