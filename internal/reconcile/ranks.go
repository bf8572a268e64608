package reconcile

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/monitor-cli/internal/model"
)

// RankOverrideInvestigation is the rank the investigation engine writes at
// when applying a fix. It outranks every configurable source.
const RankOverrideInvestigation = 100

// RankTable declares which source kinds are authoritative for which
// attributes. Higher rank wins regardless of document date; ties are broken
// by the later document date.
type RankTable struct {
	// DefaultRank applies to any source kind not listed for an attribute.
	DefaultRank int `yaml:"default_rank"`
	// Attributes maps attribute name to source kind to rank.
	Attributes map[string]map[string]int `yaml:"attributes"`
	// Immutable lists set-once attributes: after the first accepted write,
	// only a strictly higher rank may change them.
	Immutable []string `yaml:"immutable"`

	immutable map[string]struct{}
}

// LoadRankTable reads a rank table from a YAML file.
func LoadRankTable(path string) (*RankTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: read rank table %s", path)
	}

	var wrapper struct {
		Ranks RankTable `yaml:"ranks"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "reconcile: parse rank table")
	}

	rt := &wrapper.Ranks
	if rt.DefaultRank == 0 {
		rt.DefaultRank = 1
	}
	rt.index()
	return rt, nil
}

// DefaultRankTable returns a built-in table covering the tracked attributes.
// Regulatory filings outrank press releases, and within filings the audited
// annual report outranks interim reports.
func DefaultRankTable() *RankTable {
	rt := &RankTable{
		DefaultRank: 1,
		Attributes: map[string]map[string]int{
			"trust_cash": {
				"annual_report":    3,
				"quarterly_report": 2,
				"press_release":    1,
			},
			"shares_outstanding": {
				"annual_report":    3,
				"quarterly_report": 2,
				"tender_offer":     2,
			},
			"shares_redeemed": {
				"proxy_statement": 2,
				"tender_offer":    2,
			},
			"target_name": {
				"current_report": 3,
				"press_release":  1,
			},
			"deal_value": {
				"current_report":  3,
				"proxy_statement": 2,
				"press_release":   1,
			},
			"identifier_code": {
				"registration": 3,
			},
			"extension_deadline": {
				"proxy_statement": 3,
				"current_report":  2,
			},
		},
		Immutable: []string{"identifier_code"},
	}
	rt.index()
	return rt
}

func (rt *RankTable) index() {
	rt.immutable = make(map[string]struct{}, len(rt.Immutable))
	for _, a := range rt.Immutable {
		rt.immutable[a] = struct{}{}
	}
}

// Rank returns the declared rank of sourceKind for attribute. The
// investigation source always wins.
func (rt *RankTable) Rank(attribute, sourceKind string) int {
	if sourceKind == model.SourceInvestigation {
		return RankOverrideInvestigation
	}
	if m, ok := rt.Attributes[attribute]; ok {
		if r, ok := m[sourceKind]; ok {
			return r
		}
	}
	return rt.DefaultRank
}

// IsImmutable reports whether attribute is set-once.
func (rt *RankTable) IsImmutable(attribute string) bool {
	_, ok := rt.immutable[attribute]
	return ok
}
