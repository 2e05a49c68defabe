package store

import "testing"

func TestSplitTeams_BalancedCoverage(t *testing.T) {
	cases := []struct {
		n, want1, want2 int
	}{
		{2, 1, 1},
		{3, 2, 1},
		{4, 2, 2},
	}
	for _, tc := range cases {
		ids := make([]string, tc.n)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		team1, team2 := SplitTeams(ids)
		if len(team1) != tc.want1 || len(team2) != tc.want2 {
			t.Fatalf("n=%d: want %d/%d, got %d/%d", tc.n, tc.want1, tc.want2, len(team1), len(team2))
		}
		seen := make(map[string]int)
		for _, id := range append(team1, team2...) {
			seen[id]++
		}
		for _, id := range ids {
			if seen[id] != 1 {
				t.Fatalf("n=%d: %q assigned %d times", tc.n, id, seen[id])
			}
		}
	}
}

func TestSplitTeams_DoesNotMutateInput(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	SplitTeams(ids)
	for i, want := range []string{"a", "b", "c", "d"} {
		if ids[i] != want {
			t.Fatalf("input slice mutated: %v", ids)
		}
	}
}
