package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; topology and format
// changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	OutputsChanged bool
	OutputChanges  []OutputDiff

	// RestartRequired is set when something outside the hot-reloadable
	// subset changed.
	RestartRequired bool
}

// OutputDiff describes what changed for a single output port.
type OutputDiff struct {
	ID                     uint32
	MapChanged             bool
	DownstreamSetupChanged bool
	NewMap                 []ChannelMapConfig
	NewDownstreamSetupMs   uint32
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Node != new.Node ||
		old.Format != new.Format ||
		!slices.EqualFunc(old.Inputs, new.Inputs, sameInput) ||
		!slices.Equal(old.ControlPorts, new.ControlPorts) ||
		old.Telemetry != new.Telemetry {
		d.RestartRequired = true
	}

	oldOutputs := make(map[uint32]*OutputConfig, len(old.Outputs))
	for i := range old.Outputs {
		oldOutputs[old.Outputs[i].ID] = &old.Outputs[i]
	}
	newOutputs := make(map[uint32]*OutputConfig, len(new.Outputs))
	for i := range new.Outputs {
		newOutputs[new.Outputs[i].ID] = &new.Outputs[i]
	}
	if len(oldOutputs) != len(newOutputs) {
		d.RestartRequired = true
	}

	for i := range new.Outputs {
		n := &new.Outputs[i]
		o, ok := oldOutputs[n.ID]
		if !ok {
			d.RestartRequired = true
			continue
		}
		if o.Index != n.Index || o.ControlPort != n.ControlPort || o.Sink != n.Sink {
			d.RestartRequired = true
		}
		od := OutputDiff{ID: n.ID}
		if !slices.Equal(o.Map, n.Map) {
			od.MapChanged = true
			od.NewMap = slices.Clone(n.Map)
		}
		if o.DownstreamSetupMs != n.DownstreamSetupMs {
			od.DownstreamSetupChanged = true
			od.NewDownstreamSetupMs = n.DownstreamSetupMs
		}
		if od.MapChanged || od.DownstreamSetupChanged {
			d.OutputChanges = append(d.OutputChanges, od)
			d.OutputsChanged = true
		}
	}
	for id := range oldOutputs {
		if _, ok := newOutputs[id]; !ok {
			d.RestartRequired = true
		}
	}

	return d
}

func sameInput(a, b InputConfig) bool {
	return a.ID == b.ID && a.Index == b.Index && a.Source == b.Source &&
		a.Loop == b.Loop && slices.Equal(a.Channels, b.Channels)
}
