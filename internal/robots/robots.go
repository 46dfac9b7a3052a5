package robots

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hyperifyio/gorewrite/internal/fetch"
)

// ErrUnavailable is returned when robots.txt answered with a server error or
// could not be reached. Polling should back off until the next check.
var ErrUnavailable = errors.New("robots.txt unavailable")

// Rules is a parsed robots.txt.
type Rules struct {
	Groups []Group
}

type Group struct {
	Agents     []string
	Allow      []string
	Disallow   []string
	CrawlDelay *time.Duration
}

// Decision is the outcome of checking one page address.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// Checker answers whether a page may be polled, one robots.txt per origin.
type Checker struct {
	// Client fetches robots.txt; its cache gives conditional revalidation.
	Client    *fetch.Client
	UserAgent string
	// Expiry bounds how long rules are reused without asking again. Zero means 30 minutes.
	Expiry time.Duration
	// AllowPrivateHosts looks up robots.txt on loopback and private
	// addresses too; otherwise those are always allowed.
	AllowPrivateHosts bool

	mu  sync.Mutex
	mem map[string]memEntry
	now func() time.Time
}

type memEntry struct {
	rules  Rules
	expiry time.Time
}

// Check fetches, or reuses, the rules for the origin of pageURL and applies
// them to its path.
func (c *Checker) Check(ctx context.Context, pageURL string) (Decision, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Decision{}, fmt.Errorf("parse url: %w", err)
	}
	if !isHTTPScheme(u) {
		return Decision{Allowed: true}, nil
	}
	if !c.AllowPrivateHosts && isLocalOrPrivateHost(u.Hostname()) {
		return Decision{Allowed: true}, nil
	}
	rules, err := c.rules(ctx, u.Scheme+"://"+u.Host+"/robots.txt")
	if err != nil {
		return Decision{}, err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	d := Decision{Allowed: rules.IsAllowed(c.UserAgent, path)}
	if cd := rules.CrawlDelayFor(c.UserAgent); cd != nil {
		d.CrawlDelay = *cd
	}
	return d, nil
}

func (c *Checker) rules(ctx context.Context, robotsURL string) (Rules, error) {
	c.mu.Lock()
	if c.now == nil {
		c.now = time.Now
	}
	if c.mem == nil {
		c.mem = make(map[string]memEntry)
	}
	if ent, ok := c.mem[robotsURL]; ok && c.now().Before(ent.expiry) {
		c.mu.Unlock()
		return ent.rules, nil
	}
	c.mu.Unlock()

	resp, err := c.Client.Fetch(ctx, robotsURL)
	var rules Rules
	switch {
	case err == nil:
		rules = Parse(string(resp.Body))
	case isMissing(err):
		// No robots.txt: everything is allowed.
	default:
		return Rules{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	exp := c.Expiry
	if exp <= 0 {
		exp = 30 * time.Minute
	}
	c.mu.Lock()
	c.mem[robotsURL] = memEntry{rules: rules, expiry: c.now().Add(exp)}
	c.mu.Unlock()
	return rules, nil
}

// isMissing reports a 4xx answer other than 429, which means no rules apply.
func isMissing(err error) bool {
	var se *fetch.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// NewClient derives a robots.txt client from the page client so both share
// the cache and user agent.
func NewClient(base *fetch.Client) *fetch.Client {
	return &fetch.Client{
		HTTPClient:        base.HTTPClient,
		UserAgent:         base.UserAgent,
		MaxAttempts:       1,
		PerRequestTimeout: 10 * time.Second,
		Cache:             base.Cache,
		AllowedTypes:      []string{"text/", "application/octet-stream"},
		Anonymous:         true,
		MaxBodyBytes:      512 << 10,
	}
}

// Parse reads robots.txt directives into groups.
func Parse(text string) Rules {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var groups []Group
	current := Group{}
	flush := func() {
		if len(current.Agents) == 0 && len(current.Allow) == 0 && len(current.Disallow) == 0 && current.CrawlDelay == nil {
			return
		}
		groups = append(groups, current)
		current = Group{}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		val := strings.TrimSpace(line[colon+1:])
		switch key {
		case "user-agent", "useragent":
			if len(current.Agents) > 0 && (len(current.Allow) > 0 || len(current.Disallow) > 0 || current.CrawlDelay != nil) {
				flush()
			}
			current.Agents = append(current.Agents, strings.ToLower(val))
		case "allow":
			current.Allow = append(current.Allow, val)
		case "disallow":
			current.Disallow = append(current.Disallow, val)
		case "crawl-delay", "crawldelay":
			if d, err := time.ParseDuration(val + "s"); err == nil && d > 0 {
				current.CrawlDelay = &d
			}
		}
	}
	flush()
	return Rules{Groups: groups}
}

// IsAllowed evaluates whether the provided path (which may include a query string)
// is allowed to be fetched for the given user agent.
//
// The most specific matching User-agent group applies, exact names beating "*".
// Within it the longest matching pattern wins, '*' not counted; on a tie Allow
// beats Disallow. No match means allowed.
func (r Rules) IsAllowed(userAgent string, pathWithOptionalQuery string) bool {
	grpIdx := r.selectGroupIndex(userAgent)
	if grpIdx < 0 {
		return true
	}
	grp := r.Groups[grpIdx]

	bestScore := -1
	bestAllow := true
	evaluate := func(patterns []string, isAllow bool) {
		for _, p := range patterns {
			if p == "" {
				continue
			}
			if patternMatches(p, pathWithOptionalQuery) {
				score := patternSpecificity(p)
				if score > bestScore || (score == bestScore && isAllow && !bestAllow) {
					bestScore = score
					bestAllow = isAllow
				}
			}
		}
	}
	evaluate(grp.Disallow, false)
	evaluate(grp.Allow, true)
	return bestScore == -1 || bestAllow
}

// CrawlDelayFor returns the crawl delay of the matching group, or nil.
func (r Rules) CrawlDelayFor(userAgent string) *time.Duration {
	grpIdx := r.selectGroupIndex(userAgent)
	if grpIdx < 0 {
		return nil
	}
	return r.Groups[grpIdx].CrawlDelay
}

func (r Rules) selectGroupIndex(userAgent string) int {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	bestIdx := -1
	bestScore := -1
	for i, g := range r.Groups {
		for _, a := range g.Agents {
			token := strings.TrimSpace(a)
			var score int
			switch {
			case token == "":
				continue
			case token == "*":
				score = 0
			case strings.Contains(ua, token):
				score = len(token)
			default:
				continue
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
	}
	return bestIdx
}

// patternMatches anchors pattern at the start of path; '*' matches any run
// and a trailing '$' anchors the end.
func patternMatches(pattern, path string) bool {
	anchorEnd := strings.HasSuffix(pattern, "$")
	p := strings.TrimSuffix(pattern, "$")
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(p, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if anchorEnd {
		b.WriteString("$")
	}
	return regexp.MustCompile(b.String()).MatchString(path)
}

func patternSpecificity(pattern string) int {
	return len(strings.ReplaceAll(strings.TrimSuffix(pattern, "$"), "*", ""))
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isLocalOrPrivateHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || h == "localhost.localdomain" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
	}
	return false
}
