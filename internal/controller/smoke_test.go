package controller

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/detector"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/registry"
	"github.com/sava-anti-ddos/sav-d/internal/store"
)

type testEnv struct {
	srv *Server
	st  *store.Store
}

func startServer(t *testing.T, ctx context.Context, threshold int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "savd.db"), 3)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	det := detector.New(threshold, func(src, dst string) {
		if err := st.BlacklistUpsert(dst); err != nil {
			t.Errorf("blacklist upsert: %v", err)
		}
	})
	intake, err := NewIntake(filepath.Join(dir, "readinfo"), filepath.Join(dir, "writeinfo"), "utf-8-sig", det, st)
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	srv := NewServer(
		WithListenAddr("127.0.0.1:0"),
		WithCodec(&protocol.Codec{}),
		WithIntake(intake),
		WithRegistry(registry.New()),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return &testEnv{srv: srv, st: st}
}

func dialServer(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn net.Conn, env protocol.Envelope) {
	t.Helper()
	codec := protocol.Codec{}
	if _, err := codec.EncodeTo(conn, env); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	codec := protocol.Codec{}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := codec.Decode(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestServer_HeartbeatRegistersAndAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := startServer(t, ctx, 1000)

	conn := dialServer(t, ctx, env.srv.Addr())
	before := env.srv.Registry.Count()
	sendEnvelope(t, conn, protocol.NewHeartbeat())
	resp := readEnvelope(t, conn)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("reply kind = %v, want response", resp.Kind)
	}
	text, err := resp.Text()
	if err != nil || text != "heartbeat received" {
		t.Fatalf("reply = %q, %v", text, err)
	}
	if got := env.srv.Registry.Count(); got != before+1 {
		t.Fatalf("registry count = %d, want %d", got, before+1)
	}
	if !env.srv.Registry.Contains(conn.LocalAddr().String()) {
		t.Fatalf("registry missing %s", conn.LocalAddr())
	}
}

func TestServer_ObservationBatchReachesDetectorAndBlacklist(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := startServer(t, ctx, 100)

	conn := dialServer(t, ctx, env.srv.Addr())
	obs := make([]protocol.Observation, 150)
	for i := range obs {
		obs[i] = protocol.Observation{
			SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 80,
			Protocol: "TCP", Flags: "S", Timestamp: 1_000_000, Length: 60,
		}
	}
	sendEnvelope(t, conn, protocol.NewObservationBatch(obs))
	resp := readEnvelope(t, conn)
	text, err := resp.Text()
	if err != nil || text != "sniffer data received" {
		t.Fatalf("reply = %q, %v", text, err)
	}
	// The reply is sent after intake ran, so the flag has landed.
	ok, err := env.st.BlacklistContains("10.0.0.2")
	if err != nil || !ok {
		t.Fatalf("blacklist missing 10.0.0.2: %v", err)
	}
}

func TestServer_MalformedFrameKeepsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := startServer(t, ctx, 1000)

	conn := dialServer(t, ctx, env.srv.Addr())
	// Length prefix of 2 with a non-JSON body.
	if _, err := conn.Write([]byte{0, 0, 0, 2, '{', 'x'}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendEnvelope(t, conn, protocol.NewHeartbeat())
	resp := readEnvelope(t, conn)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("session died after malformed frame")
	}
}

func TestServer_BroadcastReachesTrustedClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := startServer(t, ctx, 1000)

	conn1 := dialServer(t, ctx, env.srv.Addr())
	conn2 := dialServer(t, ctx, env.srv.Addr())
	for _, c := range []net.Conn{conn1, conn2} {
		sendEnvelope(t, c, protocol.NewHeartbeat())
		readEnvelope(t, c) // ack
	}

	rules := []string{"10.0.0.2", "10.0.0.9"}
	env.srv.SendControlMessage(rules)
	for _, c := range []net.Conn{conn1, conn2} {
		ctrl := readEnvelope(t, c)
		if ctrl.Kind != protocol.KindControl {
			t.Fatalf("kind = %v, want control", ctrl.Kind)
		}
		got, err := ctrl.Rules()
		if err != nil || len(got) != 2 || got[0] != "10.0.0.2" {
			t.Fatalf("rules = %v, %v", got, err)
		}
	}
}

func TestServer_DisconnectKeepsRegistryEntryWarm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := startServer(t, ctx, 1000)

	conn := dialServer(t, ctx, env.srv.Addr())
	sendEnvelope(t, conn, protocol.NewHeartbeat())
	readEnvelope(t, conn)
	addr := conn.LocalAddr().String()
	_ = conn.Close()

	// The reader drops the session, but eviction belongs to the sweep.
	time.Sleep(100 * time.Millisecond)
	if !env.srv.Registry.Contains(addr) {
		t.Fatalf("registry entry evicted on disconnect; sweep owns eviction")
	}
	evicted := env.srv.Registry.Sweep(0)
	if len(evicted) == 0 {
		t.Fatalf("sweep with zero timeout should evict the stale entry")
	}
}
