package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	obs := []Observation{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 443, DstPort: 51234, Protocol: "TCP", Flags: "S", Timestamp: 1700000000.25, Length: 60},
		{SrcIP: "10.0.0.3", DstIP: "10.0.0.2", Protocol: "ICMP", Timestamp: 1700000001, Length: 84},
	}
	cases := []struct {
		name string
		env  Envelope
	}{
		{"heartbeat", NewHeartbeat()},
		{"response", NewResponse("heartbeat received")},
		{"control", NewControl([]string{"10.0.0.1", "10.0.0.3"})},
		{"control_empty", NewControl(nil)},
		{"observation_batch", NewObservationBatch(obs)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := codec.Encode(tc.env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := codec.Decode(bytes.NewReader(wire))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != tc.env.Kind {
				t.Fatalf("kind = %v, want %v", got.Kind, tc.env.Kind)
			}
			if got.Version != tc.env.Version {
				t.Fatalf("version = %v, want %v", got.Version, tc.env.Version)
			}
			if got.Timestamp != tc.env.Timestamp {
				t.Fatalf("timestamp = %v, want %v", got.Timestamp, tc.env.Timestamp)
			}
			var a, b any
			if err := json.Unmarshal(got.Payload, &a); err != nil {
				t.Fatalf("payload decode: %v", err)
			}
			if err := json.Unmarshal(tc.env.Payload, &b); err != nil {
				t.Fatalf("payload decode: %v", err)
			}
			if fmt.Sprintf("%v", a) != fmt.Sprintf("%v", b) {
				t.Fatalf("payload = %v, want %v", a, b)
			}
		})
	}
}

func TestCodec_DecodeMissingFields(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		body string
	}{
		{"missing_type", `{"version":0.1,"timestamp":1,"payload":"x"}`},
		{"missing_payload", `{"version":0.1,"type":0,"timestamp":1}`},
		{"not_json", `{{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(bytes.NewReader(frame(tc.body)))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestCodec_DefaultTimestamp(t *testing.T) {
	codec := Codec{}
	env, err := codec.Decode(bytes.NewReader(frame(`{"version":0.1,"type":0,"payload":"heartbeat"}`)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Timestamp == 0 {
		t.Fatalf("timestamp not defaulted")
	}
}

func TestCodec_MaxBodyBoundary(t *testing.T) {
	// Build a valid body then pad the payload string so the body hits the
	// bound exactly.
	const max = 256
	codec := Codec{MaxBody: max}
	pad := func(n int) string {
		head := `{"version":0.1,"type":3,"timestamp":1,"payload":"`
		return head + strings.Repeat("a", n-len(head)-2) + `"}`
	}
	if _, err := codec.Decode(bytes.NewReader(frame(pad(max)))); err != nil {
		t.Fatalf("body of max size rejected: %v", err)
	}
	_, err := codec.Decode(bytes.NewReader(frame(pad(max + 1))))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestCodec_OversizeFrameLeavesStreamAligned(t *testing.T) {
	const max = 64
	codec := Codec{MaxBody: max}
	var stream bytes.Buffer
	big := `{"version":0.1,"type":3,"timestamp":1,"payload":"` + strings.Repeat("x", max) + `"}`
	stream.Write(frame(big))
	stream.Write(frame(`{"version":0.1,"type":0,"timestamp":1,"payload":"heartbeat"}`))
	if _, err := codec.Decode(&stream); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
	env, err := codec.Decode(&stream)
	if err != nil {
		t.Fatalf("next frame unreadable after oversize: %v", err)
	}
	if env.Kind != KindHeartbeat {
		t.Fatalf("kind = %v, want heartbeat", env.Kind)
	}
}

func TestCodec_ShortRead(t *testing.T) {
	codec := Codec{}
	full := frame(`{"version":0.1,"type":0,"timestamp":1,"payload":"heartbeat"}`)

	// Truncated body.
	_, err := codec.Decode(bytes.NewReader(full[:len(full)-5]))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("truncated body: err = %v, want ErrShortRead", err)
	}
	// Truncated length prefix.
	_, err = codec.Decode(bytes.NewReader(full[:2]))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("truncated prefix: err = %v, want ErrShortRead", err)
	}
	// Clean boundary is EOF, not a short read.
	_, err = codec.Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("empty stream: err = %v, want io.EOF", err)
	}
}

func TestCodec_EncodePrefixMatchesBody(t *testing.T) {
	codec := Codec{}
	wire, err := codec.Encode(NewResponse("sniffer data received"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	length := binary.BigEndian.Uint32(wire[:4])
	if int(length) != len(wire)-4 {
		t.Fatalf("prefix = %d, body = %d", length, len(wire)-4)
	}
}

func TestEnvelope_Accessors(t *testing.T) {
	text, err := NewResponse("heartbeat received").Text()
	if err != nil || text != "heartbeat received" {
		t.Fatalf("Text = %q, %v", text, err)
	}
	rules, err := NewControl([]string{"1.2.3.4"}).Rules()
	if err != nil || len(rules) != 1 || rules[0] != "1.2.3.4" {
		t.Fatalf("Rules = %v, %v", rules, err)
	}
	if _, err := NewControl([]string{"x"}).Text(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("cross-kind accessor should fail with ErrMalformed, got %v", err)
	}
}

// frame prepends the big-endian length prefix to a JSON body.
func frame(body string) []byte {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.WriteString(body)
	return buf.Bytes()
}

func BenchmarkCodec_Encode(b *testing.B) {
	codec := Codec{}
	obs := make([]Observation, 128)
	for i := range obs {
		obs[i] = Observation{
			SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1000 + i, DstPort: 80,
			Protocol: "TCP", Flags: "S", Timestamp: 1700000000 + float64(i), Length: 60,
		}
	}
	env := NewObservationBatch(obs)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(env); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodec_Decode(b *testing.B) {
	codec := Codec{}
	wire, _ := codec.Encode(NewControl([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(bytes.NewReader(wire)); err != nil {
			b.Fatal(err)
		}
	}
}
