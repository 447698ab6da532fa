// Package parser extracts attack fields from Palo Alto syslog messages. It is
// tolerant by design: RFC 5424 structured data, free-form key=value pairs and
// Palo Alto CSV are tried in order, the first success per field wins, and no
// input can make it panic. Only deny verdicts produce events; ALLOW traffic is
// discarded here so it never reaches the geo cache.
package parser

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/syslog"
)

// ThreatType is the normalized attack category.
type ThreatType string

const (
	ThreatMalware   ThreatType = "malware"
	ThreatIntrusion ThreatType = "intrusion"
	ThreatDDoS      ThreatType = "ddos"
	ThreatUnknown   ThreatType = "unknown"
)

// Event is a parsed deny event. SourceIP and DestinationIP are empty or
// well-formed IPv4 dotted-decimal; Action is always one of deny, drop, block.
type Event struct {
	Timestamp     time.Time  `json:"timestamp"`
	SourceIP      string     `json:"source_ip,omitempty"`
	DestinationIP string     `json:"destination_ip,omitempty"`
	ThreatType    ThreatType `json:"threat_type"`
	Action        string     `json:"action"`
	SourcePort    int        `json:"source_port,omitempty"`
	DestPort      int        `json:"destination_port,omitempty"`
	Protocol      string     `json:"protocol,omitempty"`
	Raw           string     `json:"raw"`
}

// ParseError records a message the parser could not turn into a deny event.
// Raw is truncated to 500 characters before the error leaves the parser.
type ParseError struct {
	ErrorMessage string    `json:"error"`
	RawMessage   string    `json:"raw_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// rawTruncateLen bounds the raw text carried by a ParseError.
const rawTruncateLen = 500

// denyActions is the full verdict set surfaced by the pipeline. A compare
// against "deny" alone misses PA drop/block verdicts.
var denyActions = map[string]bool{
	"deny":  true,
	"drop":  true,
	"block": true,
}

// threatCategories maps category to the substrings that select it. Checked in
// order; first hit wins.
var threatCategories = []struct {
	category ThreatType
	keywords []string
}{
	{ThreatMalware, []string{"malware", "virus", "trojan", "spyware", "url"}},
	{ThreatIntrusion, []string{"intrusion", "exploit", "vulnerability", "brute"}},
	{ThreatDDoS, []string{"ddos", "dos", "flood"}},
}

var (
	// sdBlockRe matches one RFC 5424 structured-data block: [sd-id k="v" ...].
	sdBlockRe = regexp.MustCompile(`\[([^\s\]]+)((?:\s+[^=\s\]]+=(?:"[^"]*"|[^\s\]]+))*)\]`)
	// sdParamRe matches one k=v pair inside a block (quoted or bare).
	sdParamRe = regexp.MustCompile(`([^=\s\]]+)=(?:"([^"]*)"|([^\s\]]+))`)
	// kvRe matches free-form key=value pairs anywhere in the message.
	kvRe = regexp.MustCompile(`\b(src|dst|action|threat_type|sport|dport|proto)=(?:"([^"]*)"|([^\s,\]"]+))`)
	// header5424Re captures the timestamp token of an RFC 5424 header.
	header5424Re = regexp.MustCompile(`^<\d{1,3}>1\s+(\S+)`)
)

// Palo Alto CSV positional indices (version-specific; counted from zero).
const (
	csvSrcIdx    = 7
	csvDstIdx    = 8
	csvActionIdx = 30
	csvThreatIdx = 33
	csvMinFields = 31
)

// Parser consumes raw syslog messages from the bus and publishes parsed
// events or parse errors.
type Parser struct {
	bus     *events.Bus
	log     *slog.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// New creates a parser wired to the bus.
func New(bus *events.Bus, metrics *monitoring.Metrics, log *slog.Logger) *Parser {
	return &Parser{
		bus:     bus,
		metrics: metrics,
		log:     log.With("component", "parser"),
		now:     time.Now,
	}
}

// Start subscribes the parser to the raw message topic.
func (p *Parser) Start() func() {
	return p.bus.Subscribe(events.TopicMessage, "parser", func(payload any) {
		msg, ok := payload.(syslog.RawMessage)
		if !ok {
			return
		}
		p.Process(msg)
	})
}

// Process parses one raw message and publishes the outcome. It never panics:
// a recovered panic becomes a ParseError like any other failure.
func (p *Parser) Process(msg syslog.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Sprintf("parser panic: %v", r), msg.Raw)
		}
	}()

	ev, err := p.Parse(msg.Raw)
	if err != nil {
		p.fail(err.Error(), msg.Raw)
		return
	}
	if ev == nil {
		return // empty input or non-deny action: silence, not an error
	}
	p.metrics.ParsedTotal.Inc()
	p.bus.Publish(events.TopicParsed, *ev)
}

// Parse extracts a deny event from one message. It returns (nil, nil) when
// the message is empty or carries a non-deny action, and an error when the
// message had a deny verdict that could not be turned into a usable event.
func (p *Parser) Parse(raw string) (*Event, error) {
	msg := normalize(raw)
	if msg == "" {
		return nil, nil
	}

	fields := map[string]string{}
	extractStructuredData(msg, fields)
	extractKeyValue(msg, fields)
	p.extractCSV(msg, fields)

	action := strings.ToLower(fields["action"])
	if action == "" {
		// No verdict at all. Unrecognized traffic is noise, not failure.
		return nil, nil
	}
	if !denyActions[action] {
		p.metrics.FilteredTotal.Inc()
		return nil, nil
	}

	src := validIPv4(fields["src"])
	dst := validIPv4(fields["dst"])
	if src == "" && dst == "" {
		return nil, fmt.Errorf("deny event without a valid IPv4 endpoint (action=%s)", action)
	}

	ev := &Event{
		Timestamp:     p.eventTime(msg),
		SourceIP:      src,
		DestinationIP: dst,
		ThreatType:    NormalizeThreatType(fields["threat_type"]),
		Action:        action,
		Protocol:      strings.ToLower(fields["proto"]),
		Raw:           msg,
	}
	if n, err := strconv.Atoi(fields["sport"]); err == nil {
		ev.SourcePort = n
	}
	if n, err := strconv.Atoi(fields["dport"]); err == nil {
		ev.DestPort = n
	}
	return ev, nil
}

func (p *Parser) fail(reason, raw string) {
	p.metrics.ParseErrors.Inc()
	pe := ParseError{
		ErrorMessage: reason,
		RawMessage:   Truncate(raw, rawTruncateLen),
		Timestamp:    p.now(),
	}
	p.bus.Publish(events.TopicParseError, pe)
}

// normalize undoes the common syslog-relay escape: every #012 and every
// literal newline becomes a single space.
func normalize(raw string) string {
	s := strings.ReplaceAll(raw, "#012", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

// extractStructuredData pulls fields from RFC 5424 [sd-id k=v ...] blocks.
// First occurrence of each key wins.
func extractStructuredData(msg string, fields map[string]string) {
	for _, block := range sdBlockRe.FindAllStringSubmatch(msg, -1) {
		for _, kv := range sdParamRe.FindAllStringSubmatch(block[2], -1) {
			key := strings.ToLower(kv[1])
			val := kv[2]
			if val == "" {
				val = kv[3]
			}
			switch key {
			case "src", "dst", "action", "threat_type", "sport", "dport", "proto":
				setIfAbsent(fields, key, val)
			}
		}
	}
}

// extractKeyValue pulls free-form key=value pairs from anywhere in the
// message. Only fills fields the structured-data pass left empty.
func extractKeyValue(msg string, fields map[string]string) {
	for _, kv := range kvRe.FindAllStringSubmatch(msg, -1) {
		val := kv[2]
		if val == "" {
			val = kv[3]
		}
		setIfAbsent(fields, strings.ToLower(kv[1]), val)
	}
}

// extractCSV handles Palo Alto positional CSV: messages beginning with "1,"
// and carrying at least 31 comma-delimited fields. Indices are PA-version
// specific; a CSV message whose action slot is empty increments a calibration
// counter instead of failing.
func (p *Parser) extractCSV(msg string, fields map[string]string) {
	if !strings.HasPrefix(msg, "1,") {
		return
	}
	cols := strings.Split(msg, ",")
	if len(cols) < csvMinFields {
		return // fall back to whatever k=v extraction found
	}
	setIfAbsent(fields, "src", strings.TrimSpace(cols[csvSrcIdx]))
	setIfAbsent(fields, "dst", strings.TrimSpace(cols[csvDstIdx]))

	action := strings.TrimSpace(cols[csvActionIdx])
	if action == "" {
		p.metrics.CSVNoAction.Inc()
	} else {
		setIfAbsent(fields, "action", action)
	}
	if len(cols) > csvThreatIdx {
		setIfAbsent(fields, "threat_type", strings.TrimSpace(cols[csvThreatIdx]))
	}
}

func setIfAbsent(fields map[string]string, key, val string) {
	if val == "" {
		return
	}
	if _, ok := fields[key]; !ok {
		fields[key] = val
	}
}

// eventTime uses the RFC 5424 header timestamp when present and parseable,
// otherwise the parse time.
func (p *Parser) eventTime(msg string) time.Time {
	if m := header5424Re.FindStringSubmatch(msg); m != nil {
		if ts, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return ts
		}
	}
	return p.now()
}

// validIPv4 returns the input when it is strict IPv4 dotted-decimal (each
// octet 0-255, nothing else attached), otherwise the empty string.
func validIPv4(s string) string {
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return ""
	}
	return s
}

// NormalizeThreatType maps a free-form threat label to its category by
// case-insensitive substring match.
func NormalizeThreatType(raw string) ThreatType {
	lowered := strings.ToLower(raw)
	if lowered == "" {
		return ThreatUnknown
	}
	for _, cat := range threatCategories {
		for _, kw := range cat.keywords {
			if strings.Contains(lowered, kw) {
				return cat.category
			}
		}
	}
	return ThreatUnknown
}

// Truncate bounds s to max bytes. Raw syslog is ASCII-dominated; byte
// truncation is the log-bloat guard, not a display concern.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
