package rules

import (
	"log/slog"

	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/logging"
	"github.com/chavi-india/draw-agent/internal/privacy"
)

// Match pairs a series with the template selected by a matched ruleset.
type Match struct {
	RuleSetID   uint
	RuleSetName string
	TemplateID  uint
}

// Outcome is the result of matching one series against the catalog.
type Outcome struct {
	Status  datastore.ProcessingStatus
	Matches []Match
}

// Matcher evaluates series against the rule catalog and records the outcome.
type Matcher struct {
	catalog *Catalog
	store   datastore.Interface
	log     *slog.Logger
}

// NewMatcher wires a matcher over the catalog and datastore.
func NewMatcher(catalog *Catalog, store datastore.Interface) *Matcher {
	return &Matcher{
		catalog: catalog,
		store:   store,
		log:     logging.ForService("rules"),
	}
}

// Preload warms the catalog cache. A batch calls it once up front so every
// series in the batch sees one snapshot and a broken catalog stops the batch
// before any series is touched.
func (m *Matcher) Preload() error {
	_, err := m.catalog.RuleSets()
	return err
}

// Evaluate runs every enabled ruleset against the series tag dictionary.
// Exactly one match selects a template; zero or multiple matches park the
// series in the corresponding terminal status.
func (m *Matcher) Evaluate(tags map[string]string) (Outcome, error) {
	rulesets, err := m.catalog.RuleSets()
	if err != nil {
		return Outcome{}, err
	}

	var matches []Match
	for i := range rulesets {
		rs := &rulesets[i]
		if EvaluateRuleSet(rs, tags) {
			matches = append(matches, Match{
				RuleSetID:   rs.ID,
				RuleSetName: rs.Name,
				TemplateID:  rs.TemplateID,
			})
		}
	}

	switch len(matches) {
	case 0:
		return Outcome{Status: datastore.StatusRuleNotMatched}, nil
	case 1:
		return Outcome{Status: datastore.StatusRuleMatched, Matches: matches}, nil
	default:
		return Outcome{Status: datastore.StatusMultipleRulesMatched, Matches: matches}, nil
	}
}

// MatchSeries evaluates a series and persists the resulting status with a
// guarded transition from UNPROCESSED.
func (m *Matcher) MatchSeries(series *datastore.Series, tags map[string]string) (Outcome, error) {
	outcome, err := m.Evaluate(tags)
	if err != nil {
		return Outcome{}, err
	}

	err = m.store.UpdateSeriesStatus(series.SeriesInstanceUID,
		[]datastore.ProcessingStatus{datastore.StatusUnprocessed, datastore.StatusRuleNotMatched},
		outcome.Status)
	if err != nil {
		return Outcome{}, err
	}

	m.log.Info("series matched against rule catalog",
		"series_uid", privacy.TruncateUID(series.SeriesInstanceUID),
		"status", string(outcome.Status),
		"matches", len(outcome.Matches))
	return outcome, nil
}
