package risk

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shielded/logger"
	"shielded/model"
)

func init() {
	logger.Init("error")
}

type fakeCompleter struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int32
	user  atomic.Value
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls.Add(1)
	f.user.Store(user)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

var sampleInput = model.RawInput{
	Name:         "photo.jpg",
	MimeType:     "image/jpeg",
	SizeBytes:    2_000_000,
	LastModified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
}

func assertFallback(t *testing.T, r model.RiskReport) {
	t.Helper()
	if r.RiskLevel != model.RiskMedium || r.Confidence != 0.7 {
		t.Fatalf("unexpected fallback level/confidence: %s %v", r.RiskLevel, r.Confidence)
	}
	if len(r.SensitiveFindings) != 2 {
		t.Fatalf("expected two fallback findings, got %v", r.SensitiveFindings)
	}
	if r.Source != model.SourceFallback {
		t.Fatalf("expected fallback source, got %q", r.Source)
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n" + `{"sensitiveData":["GPS coordinates"],"recommendations":["Remove GPS"],"riskLevel":"HIGH","confidence":0.92,"deviceInfo":"iPhone 15","locationInfo":"Paris","suggestedFakeMetadata":{"device":"Nokia 3310","location":"Oslo"}}` + "\n```"}
	r := New(fc, Options{}).Analyze(context.Background(), sampleInput)
	if r.Source != model.SourceAI {
		t.Fatalf("expected ai source, got %q", r.Source)
	}
	if r.RiskLevel != model.RiskHigh || r.Confidence != 0.92 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.DeviceHint != "iPhone 15" || r.LocationHint != "Paris" {
		t.Fatalf("hints not carried: %+v", r)
	}
	if r.Decoy == nil || r.Decoy.Device != "Nokia 3310" {
		t.Fatalf("suggested decoy not carried: %+v", r.Decoy)
	}
	prompt, _ := fc.user.Load().(string)
	for _, want := range []string{"photo.jpg", "image/jpeg", "1.91 MB", "2024-03-01T12:00:00.000Z"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAnalyzeFallbacks(t *testing.T) {
	cases := map[string]*fakeCompleter{
		"transport":        {err: errors.New("connection refused")},
		"empty":            {reply: "   "},
		"not json":         {reply: "I cannot help with that"},
		"missing findings": {reply: `{"recommendations":[],"riskLevel":"low","confidence":0.5}`},
		"bad level":        {reply: `{"sensitiveData":[],"recommendations":[],"riskLevel":"severe","confidence":0.5}`},
		"no confidence":    {reply: `{"sensitiveData":[],"recommendations":[],"riskLevel":"low"}`},
		"confidence range": {reply: `{"sensitiveData":[],"recommendations":[],"riskLevel":"low","confidence":7}`},
	}
	for name, fc := range cases {
		t.Run(name, func(t *testing.T) {
			assertFallback(t, New(fc, Options{}).Analyze(context.Background(), sampleInput))
		})
	}
}

func TestAnalyzeWithoutCompleter(t *testing.T) {
	c := New(nil, Options{})
	if c.Enabled() {
		t.Fatal("client without completer should not be enabled")
	}
	assertFallback(t, c.Analyze(context.Background(), sampleInput))
}

func TestAnalyzeTimeout(t *testing.T) {
	fc := &fakeCompleter{reply: `{"sensitiveData":[],"recommendations":[],"riskLevel":"low","confidence":1}`, delay: time.Second}
	start := time.Now()
	r := New(fc, Options{Timeout: 20 * time.Millisecond}).Analyze(context.Background(), sampleInput)
	assertFallback(t, r)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestFallbackReportIsFresh(t *testing.T) {
	a := FallbackReport()
	a.SensitiveFindings[0] = "mutated"
	if FallbackReport().SensitiveFindings[0] == "mutated" {
		t.Fatal("fallback findings share backing storage")
	}
}

func TestGenerateDecoy(t *testing.T) {
	fc := &fakeCompleter{reply: `{"device":"Sony A7 III","location":"Lisbon, Portugal","creationDate":"2021-05-04T10:00:00Z","technicalData":{"software":"Lightroom","lens":"  "}}`}
	d := New(fc, Options{}).GenerateDecoy(context.Background())
	if d.Device != "Sony A7 III" || d.Location != "Lisbon, Portugal" {
		t.Fatalf("unexpected decoy %+v", d)
	}
	if d.TechnicalData["software"] != "Lightroom" {
		t.Fatalf("technical data lost: %v", d.TechnicalData)
	}
	if _, ok := d.TechnicalData["lens"]; ok {
		t.Fatal("blank technical values should be dropped")
	}
}

func TestGenerateDecoyFallback(t *testing.T) {
	cases := map[string]*fakeCompleter{
		"transport": {err: errors.New("boom")},
		"empty obj": {reply: `{}`},
		"garbage":   {reply: `[1,2,3]`},
	}
	for name, fc := range cases {
		t.Run(name, func(t *testing.T) {
			d := New(fc, Options{}).GenerateDecoy(context.Background())
			if d.Device != "Shielded Forensic Hardware" || d.Location != "Protected Network" {
				t.Fatalf("unexpected fallback decoy %+v", d)
			}
		})
	}
}

func TestGenerateDecoyPartial(t *testing.T) {
	fc := &fakeCompleter{reply: `{"device":"Fujifilm X100V"}`}
	d := New(fc, Options{}).GenerateDecoy(context.Background())
	if d.Device != "Fujifilm X100V" || d.Location != FallbackLocation {
		t.Fatalf("unexpected partial decoy %+v", d)
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	fc := &fakeCompleter{reply: `{"sensitiveData":[],"recommendations":[],"riskLevel":"low","confidence":1}`}
	c := New(fc, Options{RequestsPerSecond: 0.01})
	if r := c.Analyze(context.Background(), sampleInput); r.Source != model.SourceAI {
		t.Fatalf("first call should use the burst token, got %q", r.Source)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assertFallback(t, c.Analyze(ctx, sampleInput))
	if fc.calls.Load() != 1 {
		t.Fatalf("throttled call reached the completer: %d calls", fc.calls.Load())
	}
}
