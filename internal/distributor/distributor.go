// Package distributor turns the persisted blacklist into CONTROL envelopes on
// a timer: project the configured columns, chunk into bounded payloads,
// broadcast to every trusted client.
package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/store"
)

// ChunkSize bounds the number of rules carried by one CONTROL envelope.
const ChunkSize = 128

const defaultInterval = 15 * time.Second

// Broadcaster fans a rule payload out to all trusted clients.
type Broadcaster interface {
	SendControlMessage(rules []string)
}

// Distributor owns the periodic blacklist-to-rules pipeline.
type Distributor struct {
	st         *store.Store
	bc         Broadcaster
	interval   time.Duration
	projection []string
	pruneAfter time.Duration
	logger     *slog.Logger
}

type Option func(*Distributor)

// WithInterval overrides the distribution cadence.
func WithInterval(d time.Duration) Option {
	return func(dist *Distributor) {
		if d > 0 {
			dist.interval = d
		}
	}
}

// WithProjection selects the blacklist columns joined into each rule string.
func WithProjection(columns ...string) Option {
	return func(dist *Distributor) {
		if len(columns) > 0 {
			dist.projection = columns
		}
	}
}

// WithPruneAfter enables blacklist maintenance: rows whose duration exceeds d
// are removed before each distribution pass. Zero disables pruning.
func WithPruneAfter(d time.Duration) Option {
	return func(dist *Distributor) { dist.pruneAfter = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(dist *Distributor) {
		if l != nil {
			dist.logger = l
		}
	}
}

// New builds a distributor over the blacklist store and broadcast primitive.
func New(st *store.Store, bc Broadcaster, opts ...Option) *Distributor {
	d := &Distributor{
		st:         st,
		bc:         bc,
		interval:   defaultInterval,
		projection: []string{"ip"},
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Distribute runs one pass: refresh row durations, prune expired rows,
// materialize the projection and broadcast it in ChunkSize batches. An empty
// projection produces zero envelopes.
func (d *Distributor) Distribute() error {
	if err := d.st.BlacklistDurationUpdate(); err != nil {
		d.logger.Error("blacklist_duration_error", "error", err)
	}
	if d.pruneAfter > 0 {
		if err := d.st.BlacklistTimeoutRemove(d.pruneAfter); err != nil {
			d.logger.Error("blacklist_prune_error", "error", err)
		}
	}
	rules, err := d.st.BlacklistProject(d.projection...)
	if err != nil {
		return fmt.Errorf("distribute: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}
	buffer := make([]string, 0, ChunkSize)
	for _, rule := range rules {
		buffer = append(buffer, rule)
		if len(buffer) == ChunkSize {
			d.bc.SendControlMessage(buffer)
			buffer = make([]string, 0, ChunkSize)
		}
	}
	if len(buffer) > 0 {
		d.bc.SendControlMessage(buffer)
	}
	d.logger.Info("rules_distributed", "rules", len(rules))
	return nil
}

// Run distributes every interval until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := d.Distribute(); err != nil {
					d.logger.Error("distribute_error", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
