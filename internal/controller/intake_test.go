package controller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sava-anti-ddos/sav-d/internal/detector"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/store"
)

func testIntake(t *testing.T) (*Intake, *store.Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	readPath := filepath.Join(dir, "readinfo")
	writePath := filepath.Join(dir, "writeinfo")
	st, err := store.Open(filepath.Join(dir, "savd.db"), 3)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	in, err := NewIntake(readPath, writePath, "utf-8-sig", detector.New(1000, nil), st)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return in, st, readPath, writePath
}

func TestIntake_IngestWritesPerPeerSpool(t *testing.T) {
	in, _, readPath, _ := testIntake(t)
	obs := []protocol.Observation{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2, Protocol: "TCP", Timestamp: 5, Length: 60},
	}
	if err := in.Ingest("192.168.1.7:40000", obs); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := in.Ingest("192.168.1.7:40000", obs); err != nil {
		t.Fatalf("ingest again: %v", err)
	}
	want := filepath.Join(readPath, "sniffer-192.168.1.7_40000.csv")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("per-peer spool file missing: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("spool file empty")
	}
}

func TestIntake_DrainMovesAndUpserts(t *testing.T) {
	in, st, readPath, writePath := testIntake(t)
	obs := []protocol.Observation{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 443, DstPort: 80, Protocol: "TCP", Flags: "S", Timestamp: 1, Length: 60},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 443, DstPort: 80, Protocol: "TCP", Flags: "A", Timestamp: 2, Length: 52},
	}
	if err := in.Ingest("10.0.0.7:5000", obs); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := in.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	left, _ := filepath.Glob(filepath.Join(readPath, "*.csv"))
	if len(left) != 0 {
		t.Fatalf("readinfo not drained: %v", left)
	}
	moved, _ := filepath.Glob(filepath.Join(writePath, "*.csv"))
	if len(moved) != 1 {
		t.Fatalf("writeinfo files = %v, want 1", moved)
	}
	if n, err := st.SnifferInfoCount("10.0.0.1", "10.0.0.2", 443, 80, "TCP"); err != nil || n != 2 {
		t.Fatalf("sniffer count = %d, %v, want 2", n, err)
	}
	// A second drain with nothing pending is a no-op.
	if err := in.Drain(); err != nil {
		t.Fatalf("idle drain: %v", err)
	}
}

func TestIntake_DrainSkipsBadRows(t *testing.T) {
	in, st, readPath, _ := testIntake(t)
	csv := "10.0.0.1,10.0.0.2,443,80,TCP,S,1.5,60\nnot,enough,columns\n"
	if err := os.WriteFile(filepath.Join(readPath, "sniffer-x.csv"), []byte(csv), 0o644); err != nil {
		t.Fatalf("seed csv: %v", err)
	}
	if err := in.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n, _ := st.SnifferInfoCount("10.0.0.1", "10.0.0.2", 443, 80, "TCP"); n != 1 {
		t.Fatalf("good row not upserted, count = %d", n)
	}
}
