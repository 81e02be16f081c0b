// Package schema defines the wire and domain types shared across the
// detection pipeline.
package schema

import "time"

// LogFormat selects the parser strategy for a raw log line.
type LogFormat string

const (
	FormatJSON     LogFormat = "json"
	FormatKeyValue LogFormat = "key_value"
	FormatRegex    LogFormat = "regex"
)

// CustomConfig carries the regex pattern and capture-group mapping for
// FormatRegex. Keys of FieldMapping are group indices as decimal strings,
// values are output field names. Group "0" conventionally maps to "timestamp".
type CustomConfig struct {
	Pattern      string            `json:"pattern"`
	FieldMapping map[string]string `json:"field_mapping"`
}

// LogRecord is a single raw log line as submitted by a client.
type LogRecord struct {
	RawLog       string        `json:"raw_log"`
	Service      string        `json:"service"`
	Source       string        `json:"source"`
	FormatType   LogFormat     `json:"format_type"`
	CustomConfig *CustomConfig `json:"custom_config,omitempty"`
}

// FieldValue is a tagged variant holding either a numeric or a text field.
type FieldValue struct {
	num     float64
	str     string
	numeric bool
}

// Number wraps a numeric field value.
func Number(v float64) FieldValue { return FieldValue{num: v, numeric: true} }

// Text wraps a string field value.
func Text(s string) FieldValue { return FieldValue{str: s} }

// Float returns the numeric value and whether the field is numeric.
func (v FieldValue) Float() (float64, bool) { return v.num, v.numeric }

// Text returns the string value and whether the field is textual.
func (v FieldValue) Text() (string, bool) { return v.str, !v.numeric }

// IsNumeric reports whether the field holds a number.
func (v FieldValue) IsNumeric() bool { return v.numeric }

// ParsedRecord is the structured form of one log line. Fields is
// order-independent; the parser resolves duplicate names last-wins.
type ParsedRecord struct {
	Service   string
	Source    string
	RawLog    string
	Timestamp time.Time
	Level     string
	Message   string
	Fields    map[string]FieldValue
}

// NumericField returns fields[name] if present and numeric.
func (p *ParsedRecord) NumericField(name string) (float64, bool) {
	fv, ok := p.Fields[name]
	if !ok {
		return 0, false
	}
	return fv.Float()
}

// Cause identifies which detection layer produced a verdict.
type Cause string

const (
	CauseRule  Cause = "rule"
	CauseModel Cause = "model"
	CauseNone  Cause = "none"
)

// Evidence describes the threshold rule behind a rule-caused verdict.
type Evidence struct {
	RuleName    string  `json:"rule_name"`
	Threshold   float64 `json:"threshold"`
	ActualValue float64 `json:"actual_value"`
}

// Verdict is the per-log detection outcome.
type Verdict struct {
	Score     float64
	IsAnomaly int
	Cause     Cause
	Evidence  *Evidence
}

// AnomalyRecord is the full record kept in the bounded history for
// verdicts with IsAnomaly = 1.
type AnomalyRecord struct {
	ID            string             `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	Service       string             `json:"service"`
	Source        string             `json:"source"`
	LogLevel      string             `json:"log_level"`
	Message       string             `json:"message"`
	AnomalyScore  float64            `json:"anomaly_score"`
	RuleViolation bool               `json:"rule_violation"`
	Features      map[string]float64 `json:"features"`
	RawLog        string             `json:"raw_log"`
	Metadata      map[string]any     `json:"metadata"`
	Context       map[string]any     `json:"context"`
}

// FeedbackEntry is a ground-truth label captured for later retraining.
type FeedbackEntry struct {
	Log        LogRecord `json:"log"`
	IsAnomaly  int       `json:"is_anomaly"`
	IngestTime time.Time `json:"ingest_time"`
}

// ServiceMetrics is the high-level counters surface exposed at
// /api/v1/metrics.
type ServiceMetrics struct {
	PredictionCount  int64      `json:"prediction_count"`
	AnomalyCount     int64      `json:"anomaly_count"`
	LastTrained      *time.Time `json:"last_trained"`
	FeedbackReceived int64      `json:"feedback_received"`
	ModelAccuracy    float64    `json:"model_accuracy"`
}

// StreamRequest is the body of POST /stream/multi-source.
type StreamRequest struct {
	Logs []LogRecord       `json:"logs"`
	Tags map[string]string `json:"tags,omitempty"`
}

// StreamResult is one element of the stream response, aligned with the
// input order.
type StreamResult struct {
	Score     float64 `json:"score"`
	IsAnomaly int     `json:"is_anomaly"`
}

// TrainRequest is the body of POST /train.
type TrainRequest struct {
	Logs []LogRecord `json:"logs"`
}

// FeedbackItem links a log to a user-provided label (1=anomaly, 0=normal).
type FeedbackItem struct {
	Log       LogRecord `json:"log"`
	IsAnomaly int       `json:"is_anomaly"`
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	Feedback []FeedbackItem `json:"feedback"`
}
