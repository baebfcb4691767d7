package models

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{StatusNew, StatusProcessing},
		{StatusProcessing, StatusNew},
		{StatusNew, StatusAccepted},
		{StatusProcessing, StatusAccepted},
		{StatusAccepted, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		// direct completion, as rider apps do for short rides
		{StatusNew, StatusCompleted},
		{StatusProcessing, StatusCompleted},
		{StatusAccepted, StatusCompleted},
		{StatusNew, StatusCanceled},
		{StatusProcessing, StatusCanceled},
		{StatusAccepted, StatusCanceled},
		{StatusInProgress, StatusCanceled},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{StatusNew, StatusInProgress},
		{StatusCompleted, StatusCanceled},
		{StatusCompleted, StatusNew},
		{StatusCanceled, StatusAccepted},
		{StatusCanceled, StatusCompleted},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	asSet := func(ss []OrderStatus) map[OrderStatus]bool {
		m := make(map[OrderStatus]bool, len(ss))
		for _, s := range ss {
			m[s] = true
		}
		return m
	}

	completed := asSet(TransitionSources(StatusCompleted))
	for _, s := range []OrderStatus{StatusNew, StatusProcessing, StatusAccepted, StatusInProgress} {
		if !completed[s] {
			t.Errorf("completed must be reachable from %s", s)
		}
	}
	if len(completed) != 4 {
		t.Errorf("completed sources = %v", completed)
	}

	accepted := asSet(TransitionSources(StatusAccepted))
	if len(accepted) != 2 || !accepted[StatusNew] || !accepted[StatusProcessing] {
		t.Errorf("accepted sources = %v", accepted)
	}

	if got := TransitionSources(StatusInProgress); len(got) != 1 || got[0] != StatusAccepted {
		t.Errorf("in_progress sources = %v", got)
	}
}

func TestTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCanceled.Terminal() {
		t.Fatal("completed and canceled are terminal")
	}
	if StatusNew.Terminal() || StatusProcessing.Terminal() || StatusAccepted.Terminal() || StatusInProgress.Terminal() {
		t.Fatal("non-terminal status reported terminal")
	}
}

func TestCoordJSONArray(t *testing.T) {
	c := Coord{Lon: -73.944158, Lat: 40.678178}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "[-73.944158,40.678178]" {
		t.Fatalf("unexpected encoding: %s", b)
	}

	var back Coord
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != c {
		t.Fatalf("roundtrip mismatch: %+v", back)
	}

	if err := json.Unmarshal([]byte("[1,2,3]"), &back); err == nil {
		t.Fatal("expected error for 3-element array")
	}
}

func TestCoordValid(t *testing.T) {
	if !(Coord{Lon: -73.9, Lat: 40.7}).Valid() {
		t.Fatal("NYC should be valid")
	}
	if (Coord{Lon: 181, Lat: 0}).Valid() || (Coord{Lon: 0, Lat: -91}).Valid() {
		t.Fatal("out-of-range coordinate accepted")
	}
}
