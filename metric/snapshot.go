package metric

import (
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/c360/docrelay/errors"
)

// CounterSnapshot gathers every counter whose name starts with prefix. Keys
// are the family name followed by its labels in sorted order, e.g.
// docrelay_router_messages_total{outcome="queued"}.
func (r *MetricsRegistry) CounterSnapshot(prefix string) (map[string]float64, error) {
	families, err := r.prometheusRegistry.Gather()
	if err != nil {
		return nil, errors.WrapTransient(err, "MetricsRegistry", "CounterSnapshot", "gather metrics")
	}

	counters := make(map[string]float64)
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}
		for _, m := range family.GetMetric() {
			if c := m.GetCounter(); c != nil {
				counters[seriesKey(family.GetName(), m.GetLabel())] = c.GetValue()
			}
		}
	}
	return counters, nil
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"=\""+l.GetValue()+"\"")
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
