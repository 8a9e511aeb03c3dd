package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/camstream"
	"github.com/lanikai/camstream/internal/bufpool"
)

type fakeSource struct {
	id    string
	stats camstream.Stats
}

func (f *fakeSource) ID() string             { return f.id }
func (f *fakeSource) Started() bool          { return true }
func (f *fakeSource) Stats() camstream.Stats { return f.stats }

func TestCollector(t *testing.T) {
	c := NewCollector()
	src := &fakeSource{
		id: "cam0",
		stats: camstream.Stats{
			Published: 10,
			Dropped:   3,
			Stalls:    1,
			Buffers:   bufpool.Counts{Free: 1, InTransit: 2, CheckedOut: 1},
		},
	}
	c.Add(src)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				assert.NotEmpty(t, l.GetValue())
				if l.GetName() == "state" {
					name += "/" + l.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 10.0, values["camstream_frames_published_total"])
	assert.Equal(t, 3.0, values["camstream_frames_dropped_total"])
	assert.Equal(t, 1.0, values["camstream_stalls_total"])
	assert.Equal(t, 2.0, values["camstream_buffers/in_transit"])
	assert.Equal(t, 1.0, values["camstream_started"])

	c.Remove(src)
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
