// Package classifier decides how a URL should be crawled.
//
// The decision is a small additive score over host, path and (optionally)
// response headers from a HEAD probe. A score at or above the configured
// threshold selects a dynamic browser crawl; anything lower selects a static
// single-page capture.
package classifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// DefaultDynamicThreshold is the score at which a dynamic crawl is chosen.
const DefaultDynamicThreshold = 2

var (
	spaIndicators = []string{
		"app.", "admin.", "dashboard.", "portal.",
		"angular", "react", "vue", "spa",
	}
	jsHeavyDomains = []string{
		"github.com", "gitlab.com", "codepen.io",
		"jsfiddle.net", "stackoverflow.com",
		"medium.com", "dev.to", "hashnode.com",
		"twitter.com", "x.com", "facebook.com",
		"linkedin.com", "instagram.com",
		"youtube.com", "vimeo.com", "twitch.tv",
		"gmail.com", "outlook.com", "notion.so",
		"figma.com", "canva.com", "miro.com",
	}
	staticFriendlyDomains = []string{
		"wikipedia.org", "w3.org", "mozilla.org",
		"gnu.org", "apache.org", "nginx.org",
		"docs.python.org", "man7.org",
	}
	dynamicPaths     = []string{"/app/", "/dashboard/", "/admin/", "/spa/", "/react/", "/angular/"}
	staticExtensions = []string{".html", ".htm", ".txt", ".xml", ".rss"}
	frameworkHeaders = []string{"x-powered-by", "server"}
	frameworks       = []string{"express", "next.js", "nuxt", "gatsby", "react"}
)

// Prober fetches response headers for a URL without downloading the body.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (http.Header, error)
}

// Config tunes the classifier.
type Config struct {
	DynamicThreshold int
	ProbeTimeout     time.Duration
}

// Classifier scores URLs. It is safe for concurrent use.
type Classifier struct {
	cfg    Config
	prober Prober
	logger *zap.Logger
}

// New builds a Classifier. A nil prober disables the header probe.
func New(cfg Config, prober Prober, logger *zap.Logger) *Classifier {
	if cfg.DynamicThreshold == 0 {
		cfg.DynamicThreshold = DefaultDynamicThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{cfg: cfg, prober: prober, logger: logger.Named("classifier")}
}

// Classify inspects rawURL and returns the crawl decision. It never fails:
// an unparseable URL is classified as unknown.
func (c *Classifier) Classify(ctx context.Context, rawURL string) archive.Classification {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		c.logger.Warn("cannot classify url",
			zap.String("url", rawURL),
			zap.Error(fmt.Errorf("%w: %v", archive.ErrClassification, err)),
		)
		return archive.Classification{
			Type:   archive.CrawlerUnknown,
			Reason: "unknown crawl (score: 0): unparseable url",
		}
	}

	score, reasons := scoreURL(strings.ToLower(u.Hostname()), strings.ToLower(u.EscapedPath()))
	if c.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		headers, err := c.prober.Probe(probeCtx, u.String())
		cancel()
		if err != nil {
			c.logger.Debug("header probe failed", zap.String("url", u.String()), zap.Error(err))
			score++
			reasons = append(reasons, "Unable to check headers")
		} else {
			delta, headerReasons := scoreHeaders(headers)
			score += delta
			reasons = append(reasons, headerReasons...)
		}
	}

	kind := archive.CrawlerStatic
	if score >= c.cfg.DynamicThreshold {
		kind = archive.CrawlerDynamic
	}
	return archive.Classification{
		Type:   kind,
		Reason: formatReason(kind, score, reasons),
		Score:  score,
	}
}

func scoreURL(host, path string) (int, []string) {
	var (
		score   int
		reasons []string
	)
	if containsAny(host, spaIndicators) {
		score += 3
		reasons = append(reasons, "SPA-style domain detected")
	}
	if containsAny(host, jsHeavyDomains) {
		score += 4
		reasons = append(reasons, "JavaScript-heavy platform")
	}
	if containsAny(host, staticFriendlyDomains) {
		score -= 2
		reasons = append(reasons, "Static-friendly site")
	}
	if containsAny(path, dynamicPaths) {
		score += 2
		reasons = append(reasons, "Dynamic path detected")
	}
	for _, ext := range staticExtensions {
		if strings.HasSuffix(path, ext) {
			score--
			reasons = append(reasons, "Static file extension")
			break
		}
	}
	return score, reasons
}

func scoreHeaders(h http.Header) (int, []string) {
	var (
		score   int
		reasons []string
	)
	if strings.Contains(strings.ToLower(h.Get("Content-Type")), "application/javascript") {
		score += 2
		reasons = append(reasons, "JavaScript content type")
	}
	for _, name := range frameworkHeaders {
		if containsAny(strings.ToLower(h.Get(name)), frameworks) {
			score += 2
			reasons = append(reasons, "Framework detected in "+name)
		}
	}
	return score, reasons
}

func formatReason(kind archive.CrawlerType, score int, reasons []string) string {
	detail := "no complexity indicators"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, "; ")
	}
	return fmt.Sprintf("%s crawl (score: %d): %s", kind, score, detail)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
