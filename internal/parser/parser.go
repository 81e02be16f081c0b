// Package parser converts raw log lines into structured records. Three
// format strategies are supported: json, key_value and regex (with a
// caller-supplied pattern and capture-group mapping).
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsline/anomalyd/internal/schema"
)

var (
	// ErrMalformedInput marks a format-specific parse failure.
	ErrMalformedInput = errors.New("malformed input")
	// ErrMissingConfig marks a regex log without a pattern.
	ErrMissingConfig = errors.New("missing custom config")
)

// Unit suffixes stripped during numeric coercion. "%" is stripped verbatim,
// not divided by 100. Longer suffixes are matched first.
var unitSuffixes = []string{"ms", "kb", "mb", "s", "%"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

var levelToken = regexp.MustCompile(`^(INFO|WARN|ERROR|DEBUG|FATAL)$`)

// kvPair matches one key=value pair, keeping quoted values with embedded
// spaces intact.
var kvPair = regexp.MustCompile(`(\w+)=("[^"]*"|\S+)`)

// Parser is stateless apart from a compiled-pattern cache; safe for
// concurrent use.
type Parser struct {
	now func() time.Time

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// New returns a ready Parser.
func New() *Parser {
	return &Parser{now: time.Now, patterns: make(map[string]*regexp.Regexp)}
}

// Parse converts one raw log into a structured record. On failure it
// returns the degenerate record (service, source, raw log, ingest-time
// timestamp, no fields) together with the error; downstream treats such a
// record as unclassifiable.
func (p *Parser) Parse(lr schema.LogRecord) (*schema.ParsedRecord, error) {
	rec := &schema.ParsedRecord{
		Service:   lr.Service,
		Source:    lr.Source,
		RawLog:    lr.RawLog,
		Timestamp: p.now().UTC(),
		Fields:    map[string]schema.FieldValue{},
	}

	var err error
	switch lr.FormatType {
	case schema.FormatJSON:
		err = p.parseJSON(lr.RawLog, rec)
	case schema.FormatKeyValue:
		err = p.parseKeyValue(lr.RawLog, rec)
	case schema.FormatRegex:
		err = p.parseRegex(lr, rec)
	default:
		err = fmt.Errorf("%w: unsupported format %q", ErrMalformedInput, lr.FormatType)
	}
	if err != nil {
		rec.Fields = map[string]schema.FieldValue{}
		rec.Level = ""
		rec.Message = ""
		rec.Timestamp = p.now().UTC()
		return rec, err
	}
	return rec, nil
}

func (p *Parser) parseJSON(raw string, rec *schema.ParsedRecord) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	flattenInto(rec.Fields, "", obj)
	p.liftWellKnown(rec)
	return nil
}

// flattenInto walks a decoded JSON object, joining nested keys with ".".
// Duplicate names resolve last-wins because the target is a plain map.
func flattenInto(fields map[string]schema.FieldValue, prefix string, obj map[string]any) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch val := v.(type) {
		case float64:
			fields[name] = schema.Number(val)
		case string:
			fields[name] = coerce(val)
		case bool:
			if val {
				fields[name] = schema.Number(1)
			} else {
				fields[name] = schema.Number(0)
			}
		case map[string]any:
			flattenInto(fields, name, val)
		}
		// Arrays and nulls carry no usable signal; dropped.
	}
}

func (p *Parser) parseKeyValue(raw string, rec *schema.ParsedRecord) error {
	pairs := kvPair.FindAllStringSubmatchIndex(raw, -1)

	// Tokens ahead of the first k=v pair: an ISO timestamp or a bare
	// level marker.
	prefix := raw
	if len(pairs) > 0 {
		prefix = raw[:pairs[0][0]]
	}
	for _, tok := range strings.Fields(prefix) {
		if ts, ok := parseTimestamp(tok); ok {
			rec.Timestamp = ts
			continue
		}
		if levelToken.MatchString(tok) {
			rec.Level = tok
		}
	}

	for _, m := range pairs {
		key := raw[m[2]:m[3]]
		val := strings.Trim(raw[m[4]:m[5]], `"`)
		rec.Fields[key] = coerce(val)
	}
	if len(pairs) == 0 && rec.Level == "" {
		return fmt.Errorf("%w: no key=value pairs in %q", ErrMalformedInput, raw)
	}
	p.liftWellKnown(rec)
	return nil
}

func (p *Parser) parseRegex(lr schema.LogRecord, rec *schema.ParsedRecord) error {
	cc := lr.CustomConfig
	if cc == nil || cc.Pattern == "" {
		return ErrMissingConfig
	}
	re, err := p.compile(cc.Pattern)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	m := re.FindStringSubmatch(lr.RawLog)
	if m == nil {
		return fmt.Errorf("%w: pattern did not match", ErrMalformedInput)
	}
	// m[0] is the whole match; capture group i is m[i+1]. FieldMapping keys
	// are group indices as decimal strings.
	for idx, name := range cc.FieldMapping {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i+1 >= len(m) {
			continue
		}
		rec.Fields[name] = coerce(m[i+1])
	}
	p.liftWellKnown(rec)
	return nil
}

func (p *Parser) compile(pattern string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if len(p.patterns) >= 128 {
		p.patterns = make(map[string]*regexp.Regexp)
	}
	p.patterns[pattern] = re
	return re, nil
}

// liftWellKnown promotes timestamp/level/message fields onto the record.
// The fields stay in the map as well; the feature extractor ignores
// non-numeric values anyway.
func (p *Parser) liftWellKnown(rec *schema.ParsedRecord) {
	if fv, ok := rec.Fields["timestamp"]; ok {
		if s, isText := fv.Text(); isText {
			if ts, ok := parseTimestamp(s); ok {
				rec.Timestamp = ts
			}
		}
	}
	if rec.Level == "" {
		if fv, ok := rec.Fields["level"]; ok {
			if s, isText := fv.Text(); isText {
				rec.Level = s
			}
		}
	}
	if fv, ok := rec.Fields["message"]; ok {
		if s, isText := fv.Text(); isText {
			rec.Message = s
		}
	}
}

// coerce turns a string field into a number when its content is a number
// with an optional unit suffix (ms, s, %, kb, mb); otherwise the string is
// kept verbatim.
func coerce(s string) schema.FieldValue {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return schema.Text(s)
	}
	candidate := trimmed
	lower := strings.ToLower(trimmed)
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(lower, suffix) && len(trimmed) > len(suffix) {
			candidate = trimmed[:len(trimmed)-len(suffix)]
			break
		}
	}
	if v, err := strconv.ParseFloat(candidate, 64); err == nil {
		return schema.Number(v)
	}
	// The suffix strip may have eaten part of a word ("errors" -> "error");
	// fall back to the raw string before giving up on a plain number.
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return schema.Number(v)
	}
	return schema.Text(s)
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
