// Package security counts failed security events per client and flags bursts.
package security

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventLogin     = "login"
	EventAuthorize = "authorize"
	EventClubAdmin = "club.admin"
)

const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
)

// anyEvent matches every event in a Rule.
const anyEvent = "*"

// Rule raises an alert when one client produces Threshold matching events
// inside a single Window.
type Rule struct {
	Event     string
	Outcome   string
	Threshold int64
	Window    time.Duration
}

// DefaultRules is checked in order; the first match wins.
var DefaultRules = []Rule{
	{Event: anyEvent, Outcome: OutcomeRateLimited, Threshold: 20, Window: time.Minute},
	{Event: EventLogin, Outcome: OutcomeFailure, Threshold: 10, Window: 5 * time.Minute},
	{Event: EventAuthorize, Outcome: OutcomeFailure, Threshold: 25, Window: 5 * time.Minute},
	{Event: EventClubAdmin, Outcome: OutcomeFailure, Threshold: 25, Window: 5 * time.Minute},
}

// Alert is the outcome of one Observe call. Triggered is set only on the
// observation that reaches the threshold, so a sustained burst logs once
// per window.
type Alert struct {
	Rule
	Count     int64
	Triggered bool
}

// incrWindow bumps the counter and starts its expiry on first use.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type AuditAlerter struct {
	client *redis.Client
	prefix string
	rules  []Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil when addr is empty. All methods accept a nil
// receiver and do nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sophia:api:alerts"
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		rules:  DefaultRules,
		now:    time.Now,
	}
}

// Observe counts one event for ip against the first matching rule.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (Alert, error) {
	if a == nil {
		return Alert{}, nil
	}
	rule, ok := a.match(event, outcome)
	if !ok {
		return Alert{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := incrWindow.Run(ctx, a.client, []string{a.key(rule, event, ip)}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		return Alert{Rule: rule}, err
	}
	return Alert{Rule: rule, Count: n, Triggered: n == rule.Threshold}, nil
}

func (a *AuditAlerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

func (a *AuditAlerter) match(event, outcome string) (Rule, bool) {
	for _, r := range a.rules {
		if r.Outcome == outcome && (r.Event == anyEvent || r.Event == event) {
			return r, true
		}
	}
	return Rule{}, false
}

func (a *AuditAlerter) key(rule Rule, event, ip string) string {
	bucket := a.now().UnixMilli() / rule.Window.Milliseconds()
	return strings.Join([]string{
		a.prefix,
		segment(event),
		segment(rule.Outcome),
		segment(ip),
		strconv.FormatInt(bucket, 10),
	}, ":")
}

// segment keeps user-influenced values from introducing extra key separators.
func segment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '|', '*':
			return '_'
		}
		return r
	}, s)
}
