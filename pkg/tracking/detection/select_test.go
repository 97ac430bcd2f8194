package detection

import "testing"

func TestSelect(t *testing.T) {
	secondGuess := Detection{
		Box:        Box{Right: 10, Bottom: 10},
		Categories: []Category{{"dog", 0.6}, {"person", 0.3}},
	}

	tests := []struct {
		name      string
		dets      []Detection
		policy    Policy
		expectOK  bool
		expectIdx int
	}{
		{
			name:     "empty list",
			dets:     nil,
			policy:   FirstMatch,
			expectOK: false,
		},
		{
			name:     "no match",
			dets:     []Detection{det("dog", 0.9), det("cat", 0.8)},
			policy:   FirstMatch,
			expectOK: false,
		},
		{
			name:     "only top category counts",
			dets:     []Detection{secondGuess},
			policy:   FirstMatch,
			expectOK: false,
		},
		{
			name:      "first match takes detector order",
			dets:      []Detection{det("dog", 0.9), det("person", 0.4), det("person", 0.9)},
			policy:    FirstMatch,
			expectOK:  true,
			expectIdx: 1,
		},
		{
			name:      "highest confidence takes max score",
			dets:      []Detection{det("dog", 0.9), det("person", 0.4), det("person", 0.9)},
			policy:    HighestConfidence,
			expectOK:  true,
			expectIdx: 2,
		},
		{
			name:      "highest confidence tie keeps first",
			dets:      []Detection{det("person", 0.7), det("person", 0.7)},
			policy:    HighestConfidence,
			expectOK:  true,
			expectIdx: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for i := range tc.dets {
				tc.dets[i].Box.Left = float64(i) // make entries distinguishable
			}
			got, ok := Select(tc.dets, "person", tc.policy)
			if ok != tc.expectOK {
				t.Fatalf("Select ok = %v, want %v", ok, tc.expectOK)
			}
			if !ok {
				return
			}
			if got.Box.Left != float64(tc.expectIdx) {
				t.Errorf("Select picked index %.0f, want %d", got.Box.Left, tc.expectIdx)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	dets := []Detection{det("person", 0.5), det("dog", 0.9), det("person", 0.8)}
	got := Filter(dets, "person")
	if len(got) != 2 {
		t.Fatalf("Filter returned %d, want 2", len(got))
	}
	if got[0].Score() != 0.5 || got[1].Score() != 0.8 {
		t.Error("Filter must keep detector order")
	}
	if Filter(dets, "car") != nil {
		t.Error("Filter with no match should return nil")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		expect  Policy
		wantErr bool
	}{
		{"", FirstMatch, false},
		{"first", FirstMatch, false},
		{"First-Match", FirstMatch, false},
		{"highest", HighestConfidence, false},
		{"highest_confidence", HighestConfidence, false},
		{"largest", FirstMatch, true},
	}
	for _, tc := range tests {
		got, err := ParsePolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v", tc.in, err)
		}
		if got != tc.expect {
			t.Errorf("ParsePolicy(%q) = %s, want %s", tc.in, got, tc.expect)
		}
	}
}
