package pipeline

import (
	"strings"

	"github.com/banshee-data/vision.feed/internal/inference"
	"github.com/banshee-data/vision.feed/internal/publication"
)

// Aggregator reduces one cycle's regions to the published metrics.
type Aggregator interface {
	// Zero returns the metrics reported before the first cycle.
	Zero() publication.Metrics
	// Aggregate computes the metrics for one cycle.
	Aggregate(regions []inference.Region) publication.Metrics
}

// CountAggregator reports the number of regions and whether it exceeds a
// threshold: {"count": n, "overcrowd": n > threshold}.
type CountAggregator struct {
	Threshold int
	CountKey  string
	FlagKey   string
}

// NewCountAggregator uses the default "count" and "overcrowd" keys.
func NewCountAggregator(threshold int) *CountAggregator {
	return &CountAggregator{Threshold: threshold, CountKey: "count", FlagKey: "overcrowd"}
}

// Zero implements Aggregator.
func (a *CountAggregator) Zero() publication.Metrics {
	return publication.Metrics{a.CountKey: 0, a.FlagKey: false}
}

// Aggregate implements Aggregator.
func (a *CountAggregator) Aggregate(regions []inference.Region) publication.Metrics {
	n := len(regions)
	return publication.Metrics{a.CountKey: n, a.FlagKey: n > a.Threshold}
}

// LabelAggregator counts classified regions by label. Regions whose label
// starts with PresenceLabel set the presence flag; the rest of the
// classified regions count towards CountKey, optionally restricted to
// CountLabel. Matching is case-insensitive. Regions without a usable
// classification contribute to neither.
type LabelAggregator struct {
	CountKey      string
	CountLabel    string
	PresenceKey   string
	PresenceLabel string
}

// NewLabelAggregator returns the women_count/male_present aggregator.
func NewLabelAggregator() *LabelAggregator {
	return &LabelAggregator{
		CountKey:      "women_count",
		CountLabel:    "female",
		PresenceKey:   "male_present",
		PresenceLabel: "male",
	}
}

// Zero implements Aggregator.
func (a *LabelAggregator) Zero() publication.Metrics {
	return publication.Metrics{a.CountKey: 0, a.PresenceKey: false}
}

// Aggregate implements Aggregator.
func (a *LabelAggregator) Aggregate(regions []inference.Region) publication.Metrics {
	count, present := 0, false
	for _, r := range regions {
		if !r.Classified() {
			continue
		}
		label := strings.ToLower(r.Class.Label)
		switch {
		case hasLabelPrefix(label, a.PresenceLabel):
			present = true
		case a.CountLabel == "" || hasLabelPrefix(label, a.CountLabel):
			count++
		}
	}
	return publication.Metrics{a.CountKey: count, a.PresenceKey: present}
}

func hasLabelPrefix(label, prefix string) bool {
	return prefix != "" && strings.HasPrefix(label, strings.ToLower(prefix))
}
