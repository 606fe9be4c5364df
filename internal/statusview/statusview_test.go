package statusview

import (
	"strings"
	"testing"

	"github.com/npratt/sidecar/internal/eventbus"
	"github.com/npratt/sidecar/internal/pluginhost"
	"github.com/npratt/sidecar/internal/splitter"
)

type fakeSource struct {
	bus   *eventbus.Bus
	split *splitter.Splitter
	host  *pluginhost.Host
}

func (f fakeSource) Bus() *eventbus.Bus           { return f.bus }
func (f fakeSource) Splitter() *splitter.Splitter { return f.split }
func (f fakeSource) Host() *pluginhost.Host       { return f.host }

func TestViewRendersMetrics(t *testing.T) {
	bus := eventbus.New()
	src := fakeSource{
		bus:   bus,
		split: splitter.New(bus),
		host:  pluginhost.New(nil, nil, nil, nil),
	}

	m := newModel(src, "sess-123")
	m.busMetrics = bus.Metrics()
	m.splitMetrics = src.split.Metrics()

	out := m.View()
	if !strings.Contains(out, "sess-123") {
		t.Errorf("View() missing session id: %q", out)
	}
	if !strings.Contains(out, "bytes passed") {
		t.Errorf("View() missing bytes passed label: %q", out)
	}
	if !strings.Contains(out, "none") {
		t.Errorf("View() should report no plugins enabled: %q", out)
	}
}
