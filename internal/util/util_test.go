package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", r.Len())
	}
}

func TestSyntheticID(t *testing.T) {
	before := Stats.SyntheticIDs.Load()
	id := SyntheticID("producer")
	if !IsSyntheticID(id) {
		t.Fatalf("IsSyntheticID(%q) = false", id)
	}
	if IsSyntheticID("p1") {
		t.Error("server id reported as synthetic")
	}
	if Stats.SyntheticIDs.Load() != before+1 {
		t.Error("synthetic counter not incremented")
	}
	if SyntheticID("producer") == id {
		t.Error("synthetic ids are not unique")
	}
}

func TestFormatStats(t *testing.T) {
	tests := []struct {
		name      string
		cur, prev snapshot
		want      string
	}{
		{
			name: "no delta",
			cur:  snapshot{producers: 1},
			prev: snapshot{producers: 1},
			want: "Producers: 1 | Consumers: 0 | Reconnects: 0 | Recoveries: 0 | Failed requests: 0",
		},
		{
			name: "with delta",
			cur:  snapshot{producers: 2, consumers: 3, failures: 1},
			prev: snapshot{producers: 1},
			want: "Producers: 2 (+1) | Consumers: 3 (+3) | Reconnects: 0 | Recoveries: 0 | Failed requests: 1 (+1)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatStats(tt.cur, tt.prev); got != tt.want {
				t.Errorf("formatStats() = %q, want %q", got, tt.want)
			}
		})
	}
}
