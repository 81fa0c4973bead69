package config_test

import (
	"testing"

	"github.com/MrWong99/audiodam/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.OutputsChanged || d.RestartRequired {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level must be hot-reloadable")
	}
}

func TestDiff_OutputMapChanged(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	new.Outputs[0].Map = []config.ChannelMapConfig{{In: 2, Out: 1}}

	d := config.Diff(old, new)
	if !d.OutputsChanged || len(d.OutputChanges) != 1 {
		t.Fatalf("expected one output change, got %+v", d)
	}
	oc := d.OutputChanges[0]
	if oc.ID != 1 || !oc.MapChanged || oc.DownstreamSetupChanged {
		t.Errorf("unexpected change: %+v", oc)
	}
	if len(oc.NewMap) != 1 || oc.NewMap[0].In != 2 {
		t.Errorf("NewMap: got %+v", oc.NewMap)
	}
	if d.RestartRequired {
		t.Error("map change must be hot-reloadable")
	}
}

func TestDiff_DownstreamSetupChanged(t *testing.T) {
	t.Parallel()
	old, new := validConfig(), validConfig()
	new.Outputs[0].DownstreamSetupMs = 500

	d := config.Diff(old, new)
	if len(d.OutputChanges) != 1 || !d.OutputChanges[0].DownstreamSetupChanged {
		t.Fatalf("expected downstream setup change, got %+v", d)
	}
	if d.OutputChanges[0].NewDownstreamSetupMs != 500 {
		t.Errorf("NewDownstreamSetupMs: got %d, want 500", d.OutputChanges[0].NewDownstreamSetupMs)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }},
		{"node", func(c *config.Config) { c.Node.ChunkSize = 1 }},
		{"format", func(c *config.Config) { c.Format.SampleRate = 16000 }},
		{"input channels", func(c *config.Config) { c.Inputs[0].Channels = []uint32{9} }},
		{"control ports", func(c *config.Config) { c.ControlPorts[0].Intent = 3 }},
		{"output added", func(c *config.Config) {
			c.Outputs = append(c.Outputs, config.OutputConfig{ID: 3, ControlPort: 5})
		}},
		{"output removed", func(c *config.Config) { c.Outputs = nil }},
		{"output rebound", func(c *config.Config) { c.Outputs[0].ControlPort = 7 }},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "other" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := validConfig(), validConfig()
			tc.mutate(new)
			if d := config.Diff(old, new); !d.RestartRequired {
				t.Errorf("expected RestartRequired, got %+v", d)
			}
		})
	}
}
