package scoring

import (
	"testing"
	"time"

	"barterengine/internal/domain"
)

func evenInput(k int, now time.Time) Input {
	steps := make([]StepInput, k)
	for i := range steps {
		steps[i] = StepInput{
			Value:              100,
			HasValue:           true,
			Confidence:         0.9,
			Currency:           "USD",
			Specific:           true,
			GiverLastActive:    now,
			ReceiverLastActive: now,
			ValuationUpdatedAt: now,
			OwnershipUpdatedAt: now,
		}
	}
	return Input{
		Steps:                steps,
		Cohesion:             1.0,
		MaxDepth:             10,
		DistinctParticipants: k,
		Now:                  now,
	}
}

func TestDefaultWeights_Valid(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
}

func TestWeights_Validate(t *testing.T) {
	var w Weights
	if err := w.Validate(); err == nil {
		t.Error("zero weights must fail validation")
	}

	w = DefaultWeights()
	w[0] = -w[0]
	if err := w.Validate(); err == nil {
		t.Error("negative weight must fail validation")
	}
	if domain.KindOf(w.Validate()) != domain.KindInvalidInput {
		t.Error("validation failure must be InvalidInput")
	}
}

func TestScore_Deterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(DefaultWeights())
	in := evenInput(3, now)

	v1, a1 := s.Score(in)
	for i := 0; i < 20; i++ {
		v2, a2 := s.Score(in)
		if a1 != a2 {
			t.Fatalf("aggregate not deterministic: %v vs %v", a1, a2)
		}
		for j := range v1 {
			if v1[j] != v2[j] {
				t.Fatalf("dimension %d not deterministic", j)
			}
		}
	}
}

func TestScore_VectorShape(t *testing.T) {
	now := time.Now()
	v, agg := New(DefaultWeights()).Score(evenInput(3, now))
	if len(v) != NumDimensions {
		t.Fatalf("expected %d dimensions, got %d", NumDimensions, len(v))
	}
	for i, d := range v {
		if d < 0 || d > 1 {
			t.Errorf("dimension %d out of [0,1]: %f", i, d)
		}
	}
	if agg < 0 || agg > 1 {
		t.Errorf("aggregate out of [0,1]: %f", agg)
	}
}

func TestScore_PerfectLoopScoresHigh(t *testing.T) {
	now := time.Now()
	_, agg := New(DefaultWeights()).Score(evenInput(2, now))
	if agg < 0.85 {
		t.Errorf("balanced fresh specific 2-loop should score high, got %f", agg)
	}
}

func TestScore_ShorterLoopPreferred(t *testing.T) {
	now := time.Now()
	s := New(DefaultWeights())
	_, short := s.Score(evenInput(3, now))
	_, long := s.Score(evenInput(8, now))
	if short <= long {
		t.Errorf("shorter loop must score at least as high: %f vs %f", short, long)
	}
}

func TestScore_UnevenValuesPenalized(t *testing.T) {
	now := time.Now()
	s := New(DefaultWeights())

	even := evenInput(3, now)
	uneven := evenInput(3, now)
	uneven.Steps[0].Value = 5
	uneven.Steps[1].Value = 500

	_, fair := s.Score(even)
	_, unfair := s.Score(uneven)
	if unfair >= fair {
		t.Errorf("uneven values must lower the score: %f vs %f", unfair, fair)
	}
}

func TestScore_CollectionWantsScoreLower(t *testing.T) {
	now := time.Now()
	s := New(DefaultWeights())

	specific := evenInput(3, now)
	collection := evenInput(3, now)
	for i := range collection.Steps {
		collection.Steps[i].Specific = false
	}

	_, sAgg := s.Score(specific)
	_, cAgg := s.Score(collection)
	if cAgg >= sAgg {
		t.Errorf("specific wants preferred by default: %f vs %f", cAgg, sAgg)
	}
}

func TestScore_StaleParticipantsPenalized(t *testing.T) {
	now := time.Now()
	s := New(DefaultWeights())

	fresh := evenInput(3, now)
	stale := evenInput(3, now)
	for i := range stale.Steps {
		stale.Steps[i].GiverLastActive = now.Add(-30 * 24 * time.Hour)
	}

	_, f := s.Score(fresh)
	_, st := s.Score(stale)
	if st >= f {
		t.Errorf("stale participants must lower the score: %f vs %f", st, f)
	}
}

func TestScore_MissingValuationsNeutral(t *testing.T) {
	now := time.Now()
	in := evenInput(3, now)
	for i := range in.Steps {
		in.Steps[i].HasValue = false
		in.Steps[i].Value = 0
	}
	v, agg := New(DefaultWeights()).Score(in)
	if agg <= 0 {
		t.Error("missing valuations must not zero the aggregate")
	}
	if v[DimStepValueDelta] != 0.5 {
		t.Errorf("unknown values should be neutral for the delta dimension, got %f", v[DimStepValueDelta])
	}
}

func TestScore_PreferenceHints(t *testing.T) {
	now := time.Now()
	s := New(DefaultWeights())

	ok := evenInput(3, now)
	violated := evenInput(3, now)
	violated.Steps[0].ReceiverMinTradeValue = 1000 // receives value 100
	violated.Steps[1].ReceiverMaxParticipants = 2  // loop has 3

	_, okAgg := s.Score(ok)
	_, vAgg := s.Score(violated)
	if vAgg >= okAgg {
		t.Errorf("violated preference hints must lower the score: %f vs %f", vAgg, okAgg)
	}
}

func TestLess_TieBreaks(t *testing.T) {
	a := &domain.Loop{ID: "cid1:aaa", Score: 0.9, Steps: make([]domain.LoopStep, 3)}
	b := &domain.Loop{ID: "cid1:bbb", Score: 0.8, Steps: make([]domain.LoopStep, 2)}
	if !Less(a, b) {
		t.Error("higher score wins")
	}

	b.Score = 0.9
	if !Less(b, a) {
		t.Error("equal score: shorter loop wins")
	}

	b.Steps = make([]domain.LoopStep, 3)
	if !Less(a, b) {
		t.Error("equal score and length: smaller id wins")
	}
}
