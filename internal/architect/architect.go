// Package architect asks the AI collaborator for an extraction strategy and
// validates what comes back.
package architect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/llm"
	"github.com/JakeFAU/harvest-engine/internal/transform"
)

const (
	summaryPreviewLimit = 1000
	defaultTimeout      = 2 * time.Minute
)

const systemPrompt = "You are a precise Data Architect. Return only valid JSON."

const instructions = `You are an AI Data Architect. Analyze these captured API response samples.

Goal: identify the most valuable data stream and define a robust, declarative extraction strategy.

Candidates:
%s

Requirements:
1. target_api_url_pattern: a regular expression (RE2 syntax) matching the URL of the most important data API, including its pagination parameters.
2. schema: the target table as {"table": name, "columns": [{"name": column, "type": "text|integer|real|boolean|json"}]}.
3. transform: a declarative mapping from one item to one row:
   {"root": entry point, "fields": [{"name": column, "path": "$.a.b[0]", "type": "string|int|float|bool|json", "default": value, "required": bool}]}
   - "root" is required. It is a JSON path evaluated on each item ("$" for the item itself).
   - Items are usually JSON objects. For static HTML pages an item is {"html": "<html>...", "url": "..."}; for those use "selector" (CSS) and optional "attr" instead of "path".
   - Every field name must be a schema column.
4. description: one sentence explaining the choice.
%s
Output JSON format (strict JSON only):
{
  "target_api_url_pattern": "regex",
  "schema": {"table": "products", "columns": [{"name": "id", "type": "text"}, {"name": "price", "type": "real"}]},
  "transform": {"root": "$", "fields": [{"name": "id", "path": "$.id", "type": "string", "required": true}, {"name": "price", "path": "$.price", "type": "float"}]},
  "description": "..."
}`

// Config controls the collaborator call.
type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Architect synthesizes strategies.
type Architect struct {
	llm     llm.Completer
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs an Architect.
func New(completer llm.Completer, cfg Config, logger *zap.Logger) (*Architect, error) {
	if completer == nil {
		return nil, errors.New("llm completer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Architect{llm: completer, timeout: cfg.Timeout, logger: logger.Named("architect")}, nil
}

type summary struct {
	URL     string `json:"url"`
	Method  string `json:"method"`
	Preview string `json:"preview"`
}

// Synthesize returns a validated strategy. Every failure wraps
// harvest.ErrStrategy and is not retried.
func (a *Architect) Synthesize(ctx context.Context, candidates []harvest.Candidate, tableHint string) (harvest.Strategy, error) {
	if len(candidates) == 0 {
		return harvest.Strategy{}, fmt.Errorf("%w: no candidates to analyze", harvest.ErrStrategy)
	}
	prompt, err := BuildPrompt(candidates, tableHint)
	if err != nil {
		return harvest.Strategy{}, fmt.Errorf("%w: %v", harvest.ErrStrategy, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	a.logger.Info("requesting strategy", zap.Int("candidates", len(candidates)), zap.Int("prompt_bytes", len(prompt)))
	raw, err := a.llm.Complete(ctx, llm.Request{System: systemPrompt, User: prompt, JSON: true})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return harvest.Strategy{}, fmt.Errorf("%w: collaborator timed out after %s", harvest.ErrStrategy, a.timeout)
		}
		return harvest.Strategy{}, fmt.Errorf("%w: collaborator call: %v", harvest.ErrStrategy, err)
	}

	strategy, err := Parse(raw, tableHint)
	if err != nil {
		a.logger.Warn("strategy rejected", zap.Error(err), zap.String("raw", truncate(raw, 500)))
		return harvest.Strategy{}, err
	}
	a.logger.Info("strategy defined",
		zap.String("pattern", strategy.TargetPattern),
		zap.String("table", strategy.Schema.Table),
		zap.String("description", strategy.Description),
	)
	return strategy, nil
}

// BuildPrompt renders the instruction template for candidates.
func BuildPrompt(candidates []harvest.Candidate, tableHint string) (string, error) {
	sums := make([]summary, len(candidates))
	for i, c := range candidates {
		sums[i] = summary{URL: c.URL, Method: c.Method, Preview: truncate(c.Preview, summaryPreviewLimit)}
	}
	encoded, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode candidates: %w", err)
	}
	hint := ""
	if tableHint != "" {
		hint = fmt.Sprintf("\nNote: the user requested the table name %q. Use it as schema.table.\n", tableHint)
	}
	return fmt.Sprintf(instructions, encoded, hint), nil
}

// Parse decodes a collaborator reply as strict JSON and validates it. A
// non-empty tableHint replaces the schema table name.
func Parse(raw, tableHint string) (harvest.Strategy, error) {
	var s harvest.Strategy
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &s); err != nil {
		return harvest.Strategy{}, fmt.Errorf("%w: response is not valid strategy JSON: %v", harvest.ErrStrategy, err)
	}
	if tableHint != "" {
		s.Schema = s.Schema.WithTable(tableHint)
	}
	if err := Validate(s); err != nil {
		return harvest.Strategy{}, err
	}
	return s, nil
}

// Validate checks a strategy, including user-edited ones submitted on resume.
func Validate(s harvest.Strategy) error {
	if strings.TrimSpace(s.TargetPattern) == "" {
		return fmt.Errorf("%w: target_api_url_pattern is empty", harvest.ErrStrategy)
	}
	if _, err := regexp.Compile(s.TargetPattern); err != nil {
		return fmt.Errorf("%w: target_api_url_pattern: %v", harvest.ErrStrategy, err)
	}
	if err := s.Schema.Validate(); err != nil {
		return fmt.Errorf("%w: schema: %v", harvest.ErrStrategy, err)
	}
	prog, err := transform.Compile(s.Transform)
	if err != nil {
		return fmt.Errorf("%w: %v", harvest.ErrStrategy, err)
	}
	cols := make(map[string]struct{}, len(s.Schema.Columns))
	for _, name := range s.Schema.ColumnNames() {
		cols[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range prog.Columns() {
		if _, ok := cols[strings.ToLower(name)]; !ok {
			return fmt.Errorf("%w: transform field %s is not a schema column", harvest.ErrStrategy, name)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
