package distributor

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/store"
)

type recordingBroadcaster struct {
	chunks [][]string
}

func (r *recordingBroadcaster) SendControlMessage(rules []string) {
	chunk := make([]string, len(rules))
	copy(chunk, rules)
	r.chunks = append(r.chunks, chunk)
}

func seededStore(t *testing.T, n int) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "savd.db"), 3)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for i := 0; i < n; i++ {
		if err := st.BlacklistUpsert(fmt.Sprintf("10.0.%d.%d", i/256, i%256)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	return st
}

func TestDistributor_Chunking(t *testing.T) {
	cases := []struct {
		rules      int
		wantChunks []int
	}{
		{0, nil},
		{1, []int{1}},
		{128, []int{128}},
		{129, []int{128, 1}},
		{200, []int{128, 72}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_rules", tc.rules), func(t *testing.T) {
			st := seededStore(t, tc.rules)
			bc := &recordingBroadcaster{}
			d := New(st, bc)
			if err := d.Distribute(); err != nil {
				t.Fatalf("Distribute: %v", err)
			}
			if len(bc.chunks) != len(tc.wantChunks) {
				t.Fatalf("chunks = %d, want %d", len(bc.chunks), len(tc.wantChunks))
			}
			for i, want := range tc.wantChunks {
				if len(bc.chunks[i]) != want {
					t.Fatalf("chunk %d = %d rules, want %d", i, len(bc.chunks[i]), want)
				}
			}
		})
	}
}

func TestDistributor_PruneBeforeDistribute(t *testing.T) {
	st := seededStore(t, 3)
	old := time.Now().Add(-10 * time.Minute)
	st.SetClock(func() time.Time { return old })
	if err := st.BlacklistUpsert("10.9.9.9"); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	st.SetClock(time.Now)

	bc := &recordingBroadcaster{}
	d := New(st, bc, WithPruneAfter(5*time.Minute))
	if err := d.Distribute(); err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(bc.chunks) != 1 || len(bc.chunks[0]) != 3 {
		t.Fatalf("chunks = %v, want one chunk of the 3 fresh rules", bc.chunks)
	}
	for _, rule := range bc.chunks[0] {
		if rule == "10.9.9.9" {
			t.Fatalf("expired row distributed")
		}
	}
}

func TestDistributor_BadProjection(t *testing.T) {
	st := seededStore(t, 1)
	d := New(st, &recordingBroadcaster{}, WithProjection("nope"))
	if err := d.Distribute(); err == nil {
		t.Fatalf("expected projection error")
	}
}
