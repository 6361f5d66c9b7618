/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package metricsadapter

import (
	"strconv"

	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "elcplb"

// Metrics holds the collectors of the controller. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RulesInstalled       *prometheus.CounterVec
	RulesDeleted         *prometheus.CounterVec
	RuleErrors           *prometheus.CounterVec
	Rebalances           *prometheus.CounterVec
	CounterRepliesMissed prometheus.Counter
	RangeSpan            *prometheus.GaugeVec
	RangePacketsDelta    *prometheus.GaugeVec
	Generation           *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RulesInstalled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_installed_total",
			Help:      "Number of rules installed, per table.",
		}, []string{"table"}),
		RulesDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_deleted_total",
			Help:      "Number of rules strictly deleted, per table.",
		}, []string{"table"}),
		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Number of rejected control channel operations, per operation.",
		}, []string{"op"}),
		Rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Number of committed repartitions, per policy.",
		}, []string{"policy"}),
		CounterRepliesMissed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_replies_missed_total",
			Help:      "Number of counter requests left without reply before their deadline.",
		}),
		RangeSpan: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "range_span",
			Help:      "Number of addresses in a range.",
		}, []string{"dpid", "range"}),
		RangePacketsDelta: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "range_packets_delta",
			Help:      "Packets dispatched by a range during the last polling interval.",
		}, []string{"dpid", "range"}),
		Generation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Id of the generation installed on a switch.",
		}, []string{"dpid"}),
	}
}

func (m *Metrics) RuleInstalled(table types.TableID) {
	if m == nil {
		return
	}
	m.RulesInstalled.WithLabelValues(table.String()).Inc()
}

func (m *Metrics) RuleDeleted(table types.TableID) {
	if m == nil {
		return
	}
	m.RulesDeleted.WithLabelValues(table.String()).Inc()
}

func (m *Metrics) RuleError(op string) {
	if m == nil {
		return
	}
	m.RuleErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Rebalanced(policy types.RebalancePolicy) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(string(policy)).Inc()
}

func (m *Metrics) ReplyMissed() {
	if m == nil {
		return
	}
	m.CounterRepliesMissed.Inc()
}

// ObserveGeneration records the id and the spans of the generation installed
// on dpid.
func (m *Metrics) ObserveGeneration(dpid uint64, gen rangesadapter.Generation) {
	if m == nil {
		return
	}
	d := dpidLabel(dpid)
	m.Generation.WithLabelValues(d).Set(float64(gen.ID))
	for _, r := range gen.Ranges {
		m.RangeSpan.WithLabelValues(d, strconv.Itoa(r.ID)).Set(float64(r.Size()))
	}
}

// ObserveDeltas records the packets dispatched per range id.
func (m *Metrics) ObserveDeltas(dpid uint64, deltas map[int]uint64) {
	if m == nil {
		return
	}
	d := dpidLabel(dpid)
	for id, delta := range deltas {
		m.RangePacketsDelta.WithLabelValues(d, strconv.Itoa(id)).Set(float64(delta))
	}
}

// Forget drops every series of dpid.
func (m *Metrics) Forget(dpid uint64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"dpid": dpidLabel(dpid)}
	m.Generation.DeletePartialMatch(labels)
	m.RangeSpan.DeletePartialMatch(labels)
	m.RangePacketsDelta.DeletePartialMatch(labels)
}

func dpidLabel(dpid uint64) string {
	return strconv.FormatUint(dpid, 16)
}
