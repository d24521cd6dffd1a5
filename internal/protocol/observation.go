package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Observation is one captured-packet metadata tuple. On the wire and in spool
// files it is the ordered 8-tuple
// (src_ip, dst_ip, src_port, dst_port, protocol, flags, packet_timestamp, length).
type Observation struct {
	SrcIP     string
	DstIP     string
	SrcPort   int
	DstPort   int
	Protocol  string
	Flags     string
	Timestamp float64
	Length    int
}

// MarshalJSON encodes the tuple as an 8-element JSON array. Flags of "" travel
// as null, matching captures of flagless protocols.
func (o Observation) MarshalJSON() ([]byte, error) {
	var flags any
	if o.Flags != "" {
		flags = o.Flags
	}
	return json.Marshal([]any{
		o.SrcIP, o.DstIP, o.SrcPort, o.DstPort, o.Protocol, flags, o.Timestamp, o.Length,
	})
}

// UnmarshalJSON decodes the 8-element tuple, tolerating null or string-typed
// ports and lengths produced by older captures.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("observation tuple: %w", err)
	}
	if len(fields) != 8 {
		return fmt.Errorf("observation tuple: %d fields, want 8", len(fields))
	}
	var err error
	if o.SrcIP, err = asString(fields[0]); err != nil {
		return fmt.Errorf("observation src_ip: %w", err)
	}
	if o.DstIP, err = asString(fields[1]); err != nil {
		return fmt.Errorf("observation dst_ip: %w", err)
	}
	if o.SrcPort, err = asInt(fields[2]); err != nil {
		return fmt.Errorf("observation src_port: %w", err)
	}
	if o.DstPort, err = asInt(fields[3]); err != nil {
		return fmt.Errorf("observation dst_port: %w", err)
	}
	if o.Protocol, err = asString(fields[4]); err != nil {
		return fmt.Errorf("observation protocol: %w", err)
	}
	if o.Flags, err = asString(fields[5]); err != nil {
		return fmt.Errorf("observation flags: %w", err)
	}
	if o.Timestamp, err = asFloat(fields[6]); err != nil {
		return fmt.Errorf("observation timestamp: %w", err)
	}
	if o.Length, err = asInt(fields[7]); err != nil {
		return fmt.Errorf("observation length: %w", err)
	}
	return nil
}

// Record renders the tuple as a spool CSV row.
func (o Observation) Record() []string {
	return []string{
		o.SrcIP,
		o.DstIP,
		strconv.Itoa(o.SrcPort),
		strconv.Itoa(o.DstPort),
		o.Protocol,
		o.Flags,
		strconv.FormatFloat(o.Timestamp, 'f', -1, 64),
		strconv.Itoa(o.Length),
	}
}

// ObservationFromRecord parses a spool CSV row. The literal "None" is treated
// as absent, as legacy spool files carry it for missing ports and flags.
func ObservationFromRecord(rec []string) (Observation, error) {
	var o Observation
	if len(rec) != 8 {
		return o, fmt.Errorf("observation record: %d columns, want 8", len(rec))
	}
	o.SrcIP = noneEmpty(rec[0])
	o.DstIP = noneEmpty(rec[1])
	o.Protocol = noneEmpty(rec[4])
	o.Flags = noneEmpty(rec[5])
	var err error
	if o.SrcPort, err = parsePort(rec[2]); err != nil {
		return o, fmt.Errorf("observation record src_port: %w", err)
	}
	if o.DstPort, err = parsePort(rec[3]); err != nil {
		return o, fmt.Errorf("observation record dst_port: %w", err)
	}
	if ts := noneEmpty(rec[6]); ts != "" {
		if o.Timestamp, err = strconv.ParseFloat(ts, 64); err != nil {
			return o, fmt.Errorf("observation record timestamp: %w", err)
		}
	}
	if ln := noneEmpty(rec[7]); ln != "" {
		if o.Length, err = strconv.Atoi(ln); err != nil {
			return o, fmt.Errorf("observation record length: %w", err)
		}
	}
	return o, nil
}

func noneEmpty(s string) string {
	if s == "None" {
		return ""
	}
	return s
}

func parsePort(s string) (int, error) {
	s = noneEmpty(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func asString(raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func asInt(raw json.RawMessage) (int, error) {
	if string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	if s == "" || s == "None" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func asFloat(raw json.RawMessage) (float64, error) {
	if string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	if s == "" || s == "None" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
