package engine

import (
	"errors"
	"testing"
)

func TestAggregatorApply(t *testing.T) {
	var a Aggregator

	events := []string{
		`{"resources":1,"directories":0,"files":1,"size":50}`,
		`{"resources":2,"directories":1,"files":0,"size":10}`,
	}
	for _, ev := range events {
		if err := a.Apply([]byte(ev)); err != nil {
			t.Fatalf("Apply(%s) error: %v", ev, err)
		}
	}

	want := Totals{Resources: 3, Directories: 1, Files: 1, Bytes: 60}
	if got := a.Totals(); got != want {
		t.Errorf("Totals() = %+v, want %+v", got, want)
	}
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
	log := a.Log(0)
	if log[0] != events[0] || log[1] != events[1] {
		t.Errorf("Log(0) = %v, want %v", log, events)
	}
}

func TestAggregatorRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "resources=1"},
		{"array", `[1,2,3,4]`},
		{"null", "null"},
		{"truncated", `{"resources":1,`},
		{"missing size", `{"resources":1,"directories":0,"files":1}`},
		{"missing resources", `{"directories":0,"files":1,"size":5}`},
		{"null field", `{"resources":null,"directories":0,"files":1,"size":5}`},
		{"negative", `{"resources":-1,"directories":0,"files":1,"size":5}`},
		{"fractional", `{"resources":1.5,"directories":0,"files":1,"size":5}`},
		{"string number", `{"resources":"1","directories":0,"files":1,"size":5}`},
		{"too large", `{"resources":9223372036854775808,"directories":0,"files":1,"size":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Aggregator
			if err := a.Apply([]byte(`{"resources":1,"directories":1,"files":1,"size":1}`)); err != nil {
				t.Fatalf("seed Apply error: %v", err)
			}
			before := a.Totals()

			err := a.Apply([]byte(tt.payload))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Apply(%q) error = %v, want *ParseError", tt.payload, err)
			}
			if perr.Kind != EventScanProgress {
				t.Errorf("ParseError.Kind = %q, want %q", perr.Kind, EventScanProgress)
			}
			if a.Totals() != before {
				t.Errorf("totals changed on malformed payload: %+v -> %+v", before, a.Totals())
			}
			if a.Len() != 1 {
				t.Errorf("Len() = %d, want 1 (malformed payload must not be logged)", a.Len())
			}
		})
	}
}

func TestAggregatorOverflowIsAtomic(t *testing.T) {
	var a Aggregator
	if err := a.Apply([]byte(`{"resources":1,"directories":1,"files":1,"size":9223372036854775807}`)); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	before := a.Totals()

	if err := a.Apply([]byte(`{"resources":1,"directories":1,"files":1,"size":1}`)); err == nil {
		t.Fatal("expected overflow error")
	}
	if a.Totals() != before {
		t.Errorf("partial update on overflow: %+v -> %+v", before, a.Totals())
	}
}

func TestAggregatorSumProperty(t *testing.T) {
	payloads := []string{
		`{"resources":5,"directories":2,"files":3,"size":1024}`,
		`garbage`,
		`{"resources":0,"directories":0,"files":0,"size":0}`,
		`{"resources":7,"directories":1,"files":6,"size":4096,"extra":"ignored"}`,
		`{"resources":1}`,
		` {"resources":1,"directories":0,"files":1,"size":1} `,
	}

	var a Aggregator
	var rejected int
	for _, p := range payloads {
		if err := a.Apply([]byte(p)); err != nil {
			rejected++
		}
	}

	want := Totals{Resources: 13, Directories: 3, Files: 10, Bytes: 5121}
	if got := a.Totals(); got != want {
		t.Errorf("Totals() = %+v, want %+v", got, want)
	}
	if rejected != 2 {
		t.Errorf("rejected = %d, want 2", rejected)
	}
	if a.Len() != len(payloads)-rejected {
		t.Errorf("Len() = %d, want %d", a.Len(), len(payloads)-rejected)
	}
}

func TestAggregatorLogOffset(t *testing.T) {
	var a Aggregator
	for i := 0; i < 3; i++ {
		a.Apply([]byte(`{"resources":1,"directories":0,"files":1,"size":1}`))
	}

	tests := []struct {
		offset int
		want   int
	}{
		{-1, 3},
		{0, 3},
		{2, 1},
		{3, 0},
		{10, 0},
	}
	for _, tt := range tests {
		if got := len(a.Log(tt.offset)); got != tt.want {
			t.Errorf("len(Log(%d)) = %d, want %d", tt.offset, got, tt.want)
		}
	}

	// Returned slices are copies.
	log := a.Log(0)
	log[0] = "mutated"
	if a.Log(0)[0] == "mutated" {
		t.Error("Log returned a shared slice")
	}
}

func TestAggregatorReset(t *testing.T) {
	var a Aggregator
	a.Apply([]byte(`{"resources":1,"directories":0,"files":1,"size":1}`))
	a.Reset()

	if a.Totals() != (Totals{}) {
		t.Errorf("Totals() after Reset = %+v, want zero", a.Totals())
	}
	if a.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", a.Len())
	}
}
