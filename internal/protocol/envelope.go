package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/metrics"
)

// Version is the fixed protocol revision carried in every envelope.
const Version = 0.1

// DefaultMaxBody bounds a decoded body to prevent allocation abuse.
const DefaultMaxBody = 4 << 20

// Kind selects the dispatch behavior of an envelope.
type Kind int

const (
	KindHeartbeat        Kind = 0
	KindObservationBatch Kind = 1
	KindControl          Kind = 2
	KindResponse         Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindObservationBatch:
		return "observation_batch"
	case KindControl:
		return "control"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ErrMalformed is returned when a body is not valid JSON or misses required fields.
var ErrMalformed = errors.New("protocol: malformed envelope")

// ErrShortRead is returned when the stream ends before a full frame arrived.
var ErrShortRead = errors.New("protocol: short read")

// ErrFrameTooLarge is returned when the length prefix exceeds the configured bound.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Envelope is one framed message on the wire. Payload stays raw until a
// kind-specific accessor interprets it.
type Envelope struct {
	Version   float64
	Kind      Kind
	Timestamp float64
	Payload   json.RawMessage
}

// wire is the JSON shape of an envelope. The kind travels as "type", the tag
// the peers have always exchanged.
type wire struct {
	Version   float64         `json:"version"`
	Type      int             `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type wireIn struct {
	Version   float64         `json:"version"`
	Type      *int            `json:"type"`
	Timestamp *float64        `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func newEnvelope(kind Kind, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload shapes below are marshalable by construction.
		raw = []byte("null")
	}
	return Envelope{
		Version:   Version,
		Kind:      kind,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:   raw,
	}
}

// NewHeartbeat builds the device liveness envelope.
func NewHeartbeat() Envelope { return newEnvelope(KindHeartbeat, "heartbeat") }

// NewResponse builds an acknowledgement envelope with a text token.
func NewResponse(text string) Envelope { return newEnvelope(KindResponse, text) }

// NewControl builds a rule-distribution envelope from source-IP rule strings.
func NewControl(rules []string) Envelope {
	if rules == nil {
		rules = []string{}
	}
	return newEnvelope(KindControl, rules)
}

// NewObservationBatch builds an upload envelope from observation tuples.
func NewObservationBatch(obs []Observation) Envelope {
	return newEnvelope(KindObservationBatch, obs)
}

// Text interprets the payload as the text token of heartbeats and responses.
func (e Envelope) Text() (string, error) {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return "", fmt.Errorf("%w: text payload: %v", ErrMalformed, err)
	}
	return s, nil
}

// Rules interprets the payload as a list of rule strings.
func (e Envelope) Rules() ([]string, error) {
	var rules []string
	if err := json.Unmarshal(e.Payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: rules payload: %v", ErrMalformed, err)
	}
	return rules, nil
}

// Observations interprets the payload as a list of observation tuples.
func (e Envelope) Observations() ([]Observation, error) {
	var obs []Observation
	if err := json.Unmarshal(e.Payload, &obs); err != nil {
		return nil, fmt.Errorf("%w: observation payload: %v", ErrMalformed, err)
	}
	return obs, nil
}

// Codec frames and deframes envelopes on a byte stream: a big-endian uint32
// length prefix followed by the UTF-8 JSON body. Stateless and safe for
// concurrent use; callers serialize access to any shared stream.
type Codec struct {
	// MaxBody bounds a decoded body length; 0 means DefaultMaxBody.
	MaxBody int
}

func (c *Codec) maxBody() int {
	if c.MaxBody > 0 {
		return c.MaxBody
	}
	return DefaultMaxBody
}

// Encode returns the full wire representation of e.
func (c *Codec) Encode(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.EncodeTo(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes the length prefix and body to w in two writes; both must
// succeed before the stream may carry another frame.
func (c *Codec) EncodeTo(w io.Writer, e Envelope) (int, error) {
	body, err := json.Marshal(wire{
		Version:   e.Version,
		Type:      int(e.Kind),
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode: %v", ErrMalformed, err)
	}
	if len(body) > c.maxBody() {
		return 0, fmt.Errorf("%w: body %d exceeds max %d", ErrFrameTooLarge, len(body), c.maxBody())
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	total, err := w.Write(prefix[:])
	if err != nil {
		return total, fmt.Errorf("envelope encode prefix: %w", err)
	}
	n, err := w.Write(body)
	total += n
	if err != nil {
		return total, fmt.Errorf("envelope encode body: %w", err)
	}
	return total, nil
}

// Decode reads exactly one envelope from r.
// It returns io.EOF if called at a clean frame boundary with no more data.
func (c *Codec) Decode(r io.Reader) (Envelope, error) {
	var e Envelope
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return e, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return e, fmt.Errorf("%w: truncated length prefix", ErrShortRead)
		}
		return e, err
	}
	length := int(binary.BigEndian.Uint32(prefix[:]))
	if length > c.maxBody() {
		metrics.IncMalformed()
		// Discard the oversize body to keep the stream at a frame boundary.
		_, _ = io.CopyN(io.Discard, r, int64(length))
		return e, fmt.Errorf("%w: body %d exceeds max %d", ErrFrameTooLarge, length, c.maxBody())
	}
	body := make([]byte, length)
	if n, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return e, fmt.Errorf("%w: body ended after %d of %d bytes", ErrShortRead, n, length)
		}
		return e, err
	}
	var in wireIn
	if err := json.Unmarshal(body, &in); err != nil {
		metrics.IncMalformed()
		return e, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == nil || in.Payload == nil {
		metrics.IncMalformed()
		return e, fmt.Errorf("%w: missing type or payload", ErrMalformed)
	}
	e.Version = in.Version
	e.Kind = Kind(*in.Type)
	e.Payload = in.Payload
	if in.Timestamp != nil {
		e.Timestamp = *in.Timestamp
	} else {
		e.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	return e, nil
}
