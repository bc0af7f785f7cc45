package canonical

import (
	"strings"
	"testing"

	"barterengine/internal/domain"
)

func threeCycle() []domain.LoopStep {
	return []domain.LoopStep{
		{From: "A", To: "B", NFTID: "alpha"},
		{From: "B", To: "C", NFTID: "beta"},
		{From: "C", To: "A", NFTID: "gamma"},
	}
}

func rotate(steps []domain.LoopStep, r int) []domain.LoopStep {
	out := make([]domain.LoopStep, len(steps))
	for i := range steps {
		out[i] = steps[(r+i)%len(steps)]
	}
	return out
}

func TestID_RotationInvariant(t *testing.T) {
	steps := threeCycle()
	want := ID(steps)
	for r := 1; r < len(steps); r++ {
		if got := ID(rotate(steps, r)); got != want {
			t.Errorf("rotation %d: got %s, want %s", r, got, want)
		}
	}
}

func TestID_SchemaPrefix(t *testing.T) {
	if id := ID(threeCycle()); !strings.HasPrefix(id, SchemaPrefix) {
		t.Errorf("identifier %s missing schema prefix %s", id, SchemaPrefix)
	}
}

func TestID_DistinguishesNFTAssignment(t *testing.T) {
	a := threeCycle()
	b := threeCycle()
	b[1].NFTID = "delta"
	if ID(a) == ID(b) {
		t.Error("loops with different NFT assignments must differ")
	}
}

func TestID_DistinguishesParticipants(t *testing.T) {
	a := threeCycle()
	b := threeCycle()
	b[2].From = "D"
	if ID(a) == ID(b) {
		t.Error("loops with different participants must differ")
	}
}

func TestID_DistinguishesDirection(t *testing.T) {
	forward := threeCycle()
	reversed := []domain.LoopStep{
		{From: "A", To: "C", NFTID: "alpha"},
		{From: "C", To: "B", NFTID: "gamma"},
		{From: "B", To: "A", NFTID: "beta"},
	}
	if ID(forward) == ID(reversed) {
		t.Error("a cycle and its reversal are different trades")
	}
}

func TestNormalize_StableAcrossRotations(t *testing.T) {
	steps := threeCycle()
	want := Normalize(steps)
	for r := 1; r < len(steps); r++ {
		got := Normalize(rotate(steps, r))
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("rotation %d: normalized form differs at step %d: %+v vs %+v", r, i, got[i], want[i])
			}
		}
	}
}

func TestRotateToStart(t *testing.T) {
	steps := Normalize(threeCycle())
	rotated := RotateToStart(steps, "C")
	if rotated[0].From != "C" {
		t.Errorf("expected first step from C, got %s", rotated[0].From)
	}
	if ID(rotated) != ID(steps) {
		t.Error("rotation for presentation must not change the canonical id")
	}
}

func TestTwoPartySwap(t *testing.T) {
	steps := []domain.LoopStep{
		{From: "A", To: "B", NFTID: "x"},
		{From: "B", To: "A", NFTID: "y"},
	}
	if ID(steps) != ID(rotate(steps, 1)) {
		t.Error("two-party swap must be rotation invariant")
	}
}
