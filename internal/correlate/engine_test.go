package correlate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

func newTestEngine(cfg Config) *Engine {
	return NewEngine(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func domainIOC(value string, ts time.Time, tags ...string) domain.IOC {
	return domain.IOC{
		ID:        domain.DeterministicID(domain.Domain, value),
		Type:      domain.Domain,
		Value:     value,
		Timestamp: ts,
		Tags:      tags,
	}
}

func TestCampaignAndTemporalCorrelation(t *testing.T) {
	e := newTestEngine(Config{})
	now := time.Now().UTC()
	a := domainIOC("alpha-c2.example.com", now, "campaign:alpha")
	b := domainIOC("alpha-drop.example.com", now.Add(-20*time.Minute), "campaign:alpha")

	out := e.Correlate(a, []domain.IOC{b})

	var campaign, temporal *domain.Correlation
	for i := range out {
		switch out[i].Type {
		case domain.CorrelationCampaign:
			campaign = &out[i]
		case domain.CorrelationTemporal:
			temporal = &out[i]
		}
	}
	if campaign == nil || campaign.Strength < 0.7 {
		t.Fatalf("expected tag.campaign correlation with strength >= 0.7, got %+v", out)
	}
	if temporal == nil {
		t.Fatalf("expected temporal correlation inside the window, got %+v", out)
	}
	// One shared tag: 0.5 + 0.1.
	if temporal.Strength != 0.6 {
		t.Errorf("temporal strength = %v, want 0.6", temporal.Strength)
	}
	// Stronger correlation first.
	if out[0].Type != domain.CorrelationCampaign {
		t.Errorf("ordering wrong: %v first", out[0].Type)
	}
}

func TestTemporalRequiresSharedFeature(t *testing.T) {
	e := newTestEngine(Config{})
	now := time.Now().UTC()
	a := domainIOC("a.example.com", now)
	b := domainIOC("b.example.com", now.Add(10*time.Minute))

	if out := e.Correlate(a, []domain.IOC{b}); len(out) != 0 {
		t.Errorf("unrelated iocs correlated: %+v", out)
	}

	// Outside the window, even shared tags do not correlate
	// temporally.
	c := domainIOC("c.example.com", now.Add(-2*time.Hour), "campaign:alpha")
	a.Tags = []string{"campaign:alpha"}
	out := e.Correlate(a, []domain.IOC{c})
	for _, corr := range out {
		if corr.Type == domain.CorrelationTemporal {
			t.Errorf("temporal correlation outside window: %+v", corr)
		}
	}
}

func TestTemporalStrengthCounts(t *testing.T) {
	e := newTestEngine(Config{})
	now := time.Now().UTC()
	a := domainIOC("a.example.com", now, "t1", "t2")
	a.Source = "feed-x"
	b := domainIOC("b.example.com", now.Add(time.Minute), "t1", "t2")
	b.Source = "feed-x"

	out := e.Correlate(a, []domain.IOC{b})
	var temporal *domain.Correlation
	for i := range out {
		if out[i].Type == domain.CorrelationTemporal {
			temporal = &out[i]
		}
	}
	if temporal == nil {
		t.Fatal("no temporal correlation")
	}
	// Two shared tags plus same source: 0.5 + 0.3.
	if temporal.Strength != 0.8 {
		t.Errorf("strength = %v, want 0.8", temporal.Strength)
	}
}

func TestDomainPatternNeedsEntropy(t *testing.T) {
	e := newTestEngine(Config{EntropyThreshold: 3.0, MinStrength: 0.5})
	now := time.Now().UTC()

	// DGA-looking labels over the same suffix.
	a := domainIOC("xq8f2kd9vw3z.tk", now)
	b := domainIOC("p7mc4hx1bn5t.tk", now.Add(30*time.Hour)) // outside temporal window
	out := e.Correlate(a, []domain.IOC{b})
	if len(out) != 1 || out[0].Type != domain.CorrelationDomain || out[0].Strength != 0.75 {
		t.Fatalf("expected one pattern:domain correlation, got %+v", out)
	}

	// Dictionary-word labels fall under the entropy bar.
	c := domainIOC("mail.tk", now)
	d := domainIOC("shop.tk", now.Add(30*time.Hour))
	if out := e.Correlate(c, []domain.IOC{d}); len(out) != 0 {
		t.Errorf("low-entropy domains correlated: %+v", out)
	}
}

func TestHashFamilyCorrelation(t *testing.T) {
	e := newTestEngine(Config{})
	now := time.Now().UTC()
	h1 := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	h2 := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaab" // hamming distance 1

	a := domain.IOC{ID: "h1", Type: domain.Hash, Value: h1, Timestamp: now}
	b := domain.IOC{ID: "h2", Type: domain.Hash, Value: h2, Timestamp: now.Add(30 * time.Hour)}
	out := e.Correlate(a, []domain.IOC{b})
	if len(out) != 1 || out[0].Type != domain.CorrelationHashFamily || out[0].Strength != 0.8 {
		t.Fatalf("expected hash-family correlation, got %+v", out)
	}

	// Distance beyond the bound does not correlate.
	h3 := "bbbbaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	c := domain.IOC{ID: "h3", Type: domain.Hash, Value: h3, Timestamp: now.Add(30 * time.Hour)}
	if out := e.Correlate(a, []domain.IOC{c}); len(out) != 0 {
		t.Errorf("distant hashes correlated: %+v", out)
	}

	// Family tags correlate regardless of distance.
	d := domain.IOC{ID: "h4", Type: domain.Hash, Value: h3, Timestamp: now.Add(30 * time.Hour), Tags: []string{"family:emotet"}}
	a.Tags = []string{"family:emotet"}
	out = e.Correlate(a, []domain.IOC{d})
	if len(out) != 1 || out[0].Type != domain.CorrelationHashFamily {
		t.Errorf("family tag not honored: %+v", out)
	}
}

func TestInfrastructureCorrelations(t *testing.T) {
	e := newTestEngine(Config{})
	now := time.Now().UTC()
	mkIP := func(id, value, asn string) domain.IOC {
		return domain.IOC{
			ID: id, Type: domain.IPAddress, Value: value,
			Timestamp: now.Add(30 * time.Hour),
			Context:   &domain.IOCContext{ASN: asn},
		}
	}
	a := mkIP("ip1", "198.51.100.12", "AS64500")
	a.Timestamp = now

	// Same ASN and same /24: both fire.
	b := mkIP("ip2", "198.51.100.200", "AS64500")
	out := e.Correlate(a, []domain.IOC{b})
	if len(out) != 2 {
		t.Fatalf("expected asn and hosting correlations, got %+v", out)
	}
	if out[0].Type != domain.CorrelationASN || out[0].Strength != 0.6 {
		t.Errorf("first = %+v, want asn 0.6", out[0])
	}
	if out[1].Type != domain.CorrelationHosting || out[1].Strength != 0.5 {
		t.Errorf("second = %+v, want hosting 0.5", out[1])
	}

	// Different /24 and ASN: nothing.
	c := mkIP("ip3", "203.0.113.5", "AS64501")
	if out := e.Correlate(a, []domain.IOC{c}); len(out) != 0 {
		t.Errorf("unrelated ips correlated: %+v", out)
	}
}

func TestMaxPerIOCAndSelfExclusion(t *testing.T) {
	e := newTestEngine(Config{MaxPerIOC: 3})
	now := time.Now().UTC()
	a := domainIOC("a.example.com", now, "campaign:alpha")

	neighbors := []domain.IOC{a} // self must be skipped
	for i := 0; i < 10; i++ {
		neighbors = append(neighbors, domainIOC(
			"n"+string(rune('a'+i))+".example.com", now.Add(time.Duration(i)*time.Minute), "campaign:alpha"))
	}
	out := e.Correlate(a, neighbors)
	if len(out) != 3 {
		t.Fatalf("cap not applied: %d correlations", len(out))
	}
	for _, corr := range out {
		if len(corr.IOCs) != 2 || corr.IOCs[0] == corr.IOCs[1] {
			t.Errorf("degenerate correlation: %+v", corr)
		}
	}
}
