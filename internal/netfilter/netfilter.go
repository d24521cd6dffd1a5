// Package netfilter installs the controller's drop rules into the host packet
// filter: a DROP match on source address appended to both the INPUT and
// FORWARD chains of the filter table.
package netfilter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
)

const (
	table        = "filter"
	inputChain   = "INPUT"
	forwardChain = "FORWARD"
)

// chainManager is the slice of go-iptables the adapter needs. Tests fake it.
type chainManager interface {
	AppendUnique(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ClearChain(table, chain string) error
}

// Adapter applies and flushes drop rules idempotently. Per-rule failures are
// logged and never abort a batch.
type Adapter struct {
	ipt    chainManager
	cache  *Cache
	logger *slog.Logger
}

// New connects to the host's iptables.
func New(cache *Cache) (*Adapter, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("netfilter: %w", err)
	}
	return &Adapter{ipt: ipt, cache: cache, logger: logging.L()}, nil
}

// newWithBackend wires a fake chain manager. Test hook.
func newWithBackend(m chainManager, cache *Cache) *Adapter {
	return &Adapter{ipt: m, cache: cache, logger: logging.L()}
}

// ApplyRules installs a drop-from-source rule for every IP in rules, skipping
// IPs already present in the FORWARD chain or in the device rule cache.
func (a *Adapter) ApplyRules(rules []string) error {
	existing, err := a.forwardSources()
	if err != nil {
		a.logger.Error("forward_chain_list_error", "error", err)
		existing = map[string]struct{}{}
	}
	for _, rule := range rules {
		// The canonical rule payload is a bare source IP; tolerate projections
		// carrying extra columns by taking the first field.
		fields := strings.Fields(rule)
		if len(fields) == 0 {
			continue
		}
		ip := fields[0]
		if _, ok := existing[ip]; ok {
			a.logger.Debug("rule_already_present", "ip", ip)
			continue
		}
		if a.cache != nil && a.cache.Contains(ip) {
			a.logger.Debug("rule_cached", "ip", ip)
			continue
		}
		if err := a.blockSource(ip); err != nil {
			metrics.IncError(metrics.ErrFilter)
			a.logger.Error("rule_install_error", "ip", ip, "error", err)
			continue
		}
		metrics.RulesApplied.Inc()
		a.logger.Info("rule_installed", "ip", ip)
		if a.cache != nil {
			if err := a.cache.Add(ip); err != nil {
				a.logger.Warn("rule_cache_error", "ip", ip, "error", err)
			}
		}
	}
	return nil
}

func (a *Adapter) blockSource(ip string) error {
	spec := []string{"-s", ip, "-j", "DROP"}
	if err := a.ipt.AppendUnique(table, inputChain, spec...); err != nil {
		return fmt.Errorf("input append: %w", err)
	}
	if err := a.ipt.AppendUnique(table, forwardChain, spec...); err != nil {
		return fmt.Errorf("forward append: %w", err)
	}
	return nil
}

// Flush removes every rule from both chains.
func (a *Adapter) Flush() error {
	a.logger.Info("flushing_filter_chains")
	if err := a.ipt.ClearChain(table, inputChain); err != nil {
		metrics.IncError(metrics.ErrFilter)
		return fmt.Errorf("input clear: %w", err)
	}
	if err := a.ipt.ClearChain(table, forwardChain); err != nil {
		metrics.IncError(metrics.ErrFilter)
		return fmt.Errorf("forward clear: %w", err)
	}
	return nil
}

// forwardSources extracts the source IPs currently matched in FORWARD.
func (a *Adapter) forwardSources() (map[string]struct{}, error) {
	lines, err := a.ipt.List(table, forwardChain)
	if err != nil {
		return nil, err
	}
	srcs := make(map[string]struct{})
	for _, line := range lines {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-s" {
				srcs[strings.TrimSuffix(fields[i+1], "/32")] = struct{}{}
				break
			}
		}
	}
	return srcs, nil
}
