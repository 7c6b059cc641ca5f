package debate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Action is the final trading call.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision sources.
const (
	SourceJSON    = "json"
	SourceKeyword = "keyword"
	SourceDefault = "default"
)

// Decision is the structured outcome of the risk manager's verdict.
type Decision struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	Source     string  `json:"source"`
}

const decisionSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"enum": ["BUY", "SELL", "HOLD", "Buy", "Sell", "Hold", "buy", "sell", "hold"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"}
	}
}`

// DecisionExtractor turns judge text into a Decision. JSON answers are
// validated against a schema; prose falls back to keyword matching and
// finally to HOLD.
type DecisionExtractor struct {
	schema *jsonschema.Schema
}

// NewDecisionExtractor compiles the decision schema.
func NewDecisionExtractor() (*DecisionExtractor, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("add decision schema: %w", err)
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &DecisionExtractor{schema: schema}, nil
}

// Extract never fails; the worst case is a zero-confidence HOLD.
func (d *DecisionExtractor) Extract(text string) Decision {
	if dec, ok := d.fromJSON(text); ok {
		return dec
	}
	if action, ok := keywordAction(text); ok {
		conf, found := keywordConfidence(text)
		if !found {
			conf = 0.5
		}
		return Decision{Action: action, Confidence: conf, Rationale: summarize(text), Source: SourceKeyword}
	}
	return Decision{Action: ActionHold, Confidence: 0, Rationale: summarize(text), Source: SourceDefault}
}

func (d *DecisionExtractor) fromJSON(text string) (Decision, bool) {
	raw := findJSONObject(text)
	if raw == "" {
		return Decision{}, false
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Decision{}, false
	}
	if err := d.schema.Validate(doc); err != nil {
		return Decision{}, false
	}
	var payload struct {
		Action     string   `json:"action"`
		Confidence *float64 `json:"confidence"`
		Rationale  string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Decision{}, false
	}
	dec := Decision{
		Action:     Action(strings.ToUpper(payload.Action)),
		Confidence: 0.5,
		Rationale:  payload.Rationale,
		Source:     SourceJSON,
	}
	if payload.Confidence != nil {
		dec.Confidence = *payload.Confidence
	}
	return dec, true
}

// findJSONObject returns the first JSON object in text: a ```json fence,
// then any fence holding valid JSON, then the first balanced {...}.
func findJSONObject(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		body := text[i+len("```json"):]
		if end := strings.Index(body, "```"); end >= 0 {
			if candidate := strings.TrimSpace(body[:end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	if i := strings.Index(text, "```\n"); i >= 0 {
		body := text[i+4:]
		if end := strings.Index(body, "```"); end >= 0 {
			if candidate := strings.TrimSpace(body[:end]); strings.HasPrefix(candidate, "{") && json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := strings.IndexByte(text, '{'); i >= 0; {
		if candidate := balancedObject(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ""
}

// balancedObject returns the prefix of s up to the brace closing s[0],
// ignoring braces inside string literals.
func balancedObject(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

var (
	proposalRe   = regexp.MustCompile(`(?i)final\s+(?:transaction\s+proposal|decision)\s*:\s*\**\s*(BUY|SELL|HOLD)\b`)
	upperActRe   = regexp.MustCompile(`\b(BUY|SELL|HOLD)\b`)
	anyActRe     = regexp.MustCompile(`(?i)\b(buy|sell|hold)\b`)
	confidenceRe = regexp.MustCompile(`(?i)confidence\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(%?)`)
)

// keywordAction prefers an explicit "FINAL ... PROPOSAL: X" marker, then
// the last upper-case action word, then the last action word in any case.
func keywordAction(text string) (Action, bool) {
	if m := proposalRe.FindStringSubmatch(text); m != nil {
		return Action(strings.ToUpper(m[1])), true
	}
	if all := upperActRe.FindAllString(text, -1); len(all) > 0 {
		return Action(all[len(all)-1]), true
	}
	if all := anyActRe.FindAllString(text, -1); len(all) > 0 {
		return Action(strings.ToUpper(all[len(all)-1])), true
	}
	return "", false
}

func keywordConfidence(text string) (float64, bool) {
	m := confidenceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	const limit = 500
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
