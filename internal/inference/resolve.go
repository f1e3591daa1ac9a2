package inference

import "gonum.org/v1/gonum/floats"

// Strategy turns one raw classifier output into a class index and its
// confidence. ok is false when the strategy does not apply to the output.
type Strategy struct {
	Name    string
	Resolve func(out Output) (index int, confidence float64, ok bool)
}

// Top1Strategy uses the backend-supplied best class.
var Top1Strategy = Strategy{
	Name: "top1",
	Resolve: func(out Output) (int, float64, bool) {
		if out.Top1 == nil {
			return 0, 0, false
		}
		return out.Top1.Index, out.Top1.Confidence, true
	},
}

// BinaryStrategy reads a single probability as the score of class 1.
// The reported confidence is that of the chosen class.
var BinaryStrategy = Strategy{
	Name: "binary",
	Resolve: func(out Output) (int, float64, bool) {
		if len(out.Probs) != 1 {
			return 0, 0, false
		}
		p := out.Probs[0]
		if p >= 0.5 {
			return 1, p, true
		}
		return 0, 1 - p, true
	},
}

// ArgmaxStrategy picks the largest entry of a probability vector.
var ArgmaxStrategy = Strategy{
	Name: "argmax",
	Resolve: func(out Output) (int, float64, bool) {
		if len(out.Probs) < 2 {
			return 0, 0, false
		}
		i := floats.MaxIdx(out.Probs)
		return i, out.Probs[i], true
	},
}

// DefaultStrategies is the resolution order used when none is configured.
func DefaultStrategies() []Strategy {
	return []Strategy{Top1Strategy, BinaryStrategy, ArgmaxStrategy}
}

// StrategiesByName maps configured names onto strategies, keeping order.
// Unknown names are reported in the second return value.
func StrategiesByName(names []string) ([]Strategy, []string) {
	known := map[string]Strategy{}
	for _, s := range DefaultStrategies() {
		known[s.Name] = s
	}
	var out []Strategy
	var unknown []string
	for _, n := range names {
		s, ok := known[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, s)
	}
	return out, unknown
}

// Resolve applies the first strategy that accepts out. The result is nil
// (absent) when no strategy applies or the index falls outside labels.
func Resolve(out Output, labels []string, strategies []Strategy) *Classification {
	if out.Err != nil {
		return &Classification{Failed: true}
	}
	for _, s := range strategies {
		idx, conf, ok := s.Resolve(out)
		if !ok {
			continue
		}
		if idx < 0 || idx >= len(labels) {
			return nil
		}
		return &Classification{Label: labels[idx], Index: idx, Confidence: conf}
	}
	return nil
}
