// Package correlate discovers typed relationships between indicators.
package correlate

import (
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

type Config struct {
	TimeWindow         time.Duration
	MinStrength        float64
	MaxPerIOC          int
	EntropyThreshold   float64
	MaxHammingDistance int
}

func (c *Config) applyDefaults() {
	if c.TimeWindow <= 0 {
		c.TimeWindow = time.Hour
	}
	if c.MinStrength <= 0 {
		c.MinStrength = 0.5
	}
	if c.MaxPerIOC <= 0 {
		c.MaxPerIOC = 50
	}
	if c.EntropyThreshold <= 0 {
		c.EntropyThreshold = 3.0
	}
	if c.MaxHammingDistance <= 0 {
		c.MaxHammingDistance = 2
	}
}

// Engine runs every detector over (ioc, neighbor) pairs. It is a pure
// scorer; candidate selection and persistence belong to the caller.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, logger: logger.With("component", "correlate")}
}

type detector func(a, b *domain.IOC, cfg Config) (float64, []string, bool)

// detectors in catalog order; the order doubles as the tie-break rank.
var detectors = []struct {
	typ domain.CorrelationType
	fn  detector
}{
	{domain.CorrelationTemporal, detectTemporal},
	{domain.CorrelationDomain, detectDomainPattern},
	{domain.CorrelationHashFamily, detectHashFamily},
	{domain.CorrelationASN, detectASN},
	{domain.CorrelationHosting, detectHosting},
	{domain.CorrelationCampaign, detectCampaign},
}

// Correlate scores the indicator against its neighbors, filters by the
// minimum strength, deduplicates by unordered id set and caps the
// output, strongest first.
func (e *Engine) Correlate(ioc domain.IOC, neighbors []domain.IOC) []domain.Correlation {
	var out []domain.Correlation
	seen := make(map[string]bool)

	for i := range neighbors {
		n := &neighbors[i]
		if n.ID == ioc.ID {
			continue
		}
		for _, d := range detectors {
			strength, evidence, ok := d.fn(&ioc, n, e.cfg)
			if !ok || strength < e.cfg.MinStrength {
				continue
			}
			corr, err := domain.NewCorrelation(d.typ, []string{ioc.ID, n.ID}, strength, evidence)
			if err != nil {
				e.logger.Error("dropping malformed correlation candidate", "type", d.typ, "error", err)
				continue
			}
			key := corr.PairKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, corr)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Type.Rank() < out[j].Type.Rank()
	})
	if len(out) > e.cfg.MaxPerIOC {
		out = out[:e.cfg.MaxPerIOC]
	}
	return out
}

func detectTemporal(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	gap := a.Timestamp.Sub(b.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > cfg.TimeWindow {
		return 0, nil, false
	}
	shared := a.SharedTags(b)
	sameSource := a.Source != "" && a.Source == b.Source
	if len(shared) == 0 && !sameSource {
		return 0, nil, false
	}
	k := len(shared)
	evidence := []string{fmt.Sprintf("observed %s apart", gap.Round(time.Second))}
	if sameSource {
		k++
		evidence = append(evidence, "same source "+a.Source)
	}
	if len(shared) > 0 {
		evidence = append(evidence, "shared tags: "+strings.Join(shared, ","))
	}
	strength := 0.5 + 0.1*float64(k)
	if strength > 1 {
		strength = 1
	}
	return strength, evidence, true
}

func detectDomainPattern(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	if a.Type != domain.Domain || b.Type != domain.Domain {
		return 0, nil, false
	}
	sufA, _ := publicsuffix.PublicSuffix(a.Value)
	sufB, _ := publicsuffix.PublicSuffix(b.Value)
	if sufA == "" || sufA != sufB {
		return 0, nil, false
	}
	entA := labelEntropy(a.Value)
	entB := labelEntropy(b.Value)
	if entA < cfg.EntropyThreshold || entB < cfg.EntropyThreshold {
		return 0, nil, false
	}
	evidence := []string{
		"shared registrable suffix " + sufA,
		fmt.Sprintf("lexical entropy %.2f and %.2f", entA, entB),
	}
	return 0.75, evidence, true
}

func detectHashFamily(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	if a.Type != domain.Hash || b.Type != domain.Hash {
		return 0, nil, false
	}
	for _, tag := range a.SharedTags(b) {
		if strings.HasPrefix(tag, "family:") {
			return 0.8, []string{"shared family tag " + tag}, true
		}
	}
	if len(a.Value) == len(b.Value) {
		if d := hammingDistance(a.Value, b.Value); d > 0 && d <= cfg.MaxHammingDistance {
			return 0.8, []string{fmt.Sprintf("hamming distance %d", d)}, true
		}
	}
	return 0, nil, false
}

func detectASN(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	if a.Type != domain.IPAddress || b.Type != domain.IPAddress {
		return 0, nil, false
	}
	if a.Context == nil || b.Context == nil || a.Context.ASN == "" || a.Context.ASN != b.Context.ASN {
		return 0, nil, false
	}
	return 0.6, []string{"same asn " + a.Context.ASN}, true
}

func detectHosting(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	if a.Type != domain.IPAddress || b.Type != domain.IPAddress {
		return 0, nil, false
	}
	addrA, errA := netip.ParseAddr(a.Value)
	addrB, errB := netip.ParseAddr(b.Value)
	if errA != nil || errB != nil || !addrA.Is4() || !addrB.Is4() {
		return 0, nil, false
	}
	prefix, err := addrA.Prefix(24)
	if err != nil || !prefix.Contains(addrB) {
		return 0, nil, false
	}
	return 0.5, []string{"same hosting range " + prefix.String()}, true
}

func detectCampaign(a, b *domain.IOC, cfg Config) (float64, []string, bool) {
	for _, tag := range a.SharedTags(b) {
		if strings.HasPrefix(tag, "campaign:") || strings.HasPrefix(tag, "apt:") {
			return 0.7, []string{"shared campaign tag " + tag}, true
		}
	}
	return 0, nil, false
}

// labelEntropy is the Shannon entropy of the leftmost label, the part a
// DGA randomizes.
func labelEntropy(name string) float64 {
	label, _, _ := strings.Cut(name, ".")
	if label == "" {
		return 0
	}
	freq := make(map[rune]float64)
	for _, r := range label {
		freq[r]++
	}
	n := float64(len([]rune(label)))
	entropy := 0.0
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func hammingDistance(a, b string) int {
	d := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}
