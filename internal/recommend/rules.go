package recommend

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/siteaudit/internal/domain"
)

//go:embed rules.yaml
var defaultRules []byte

type Comparator string

const (
	CmpGT      Comparator = "gt"
	CmpGTE     Comparator = "gte"
	CmpLT      Comparator = "lt"
	CmpLTE     Comparator = "lte"
	CmpEQ      Comparator = "eq"
	CmpIsTrue  Comparator = "is_true"
	CmpIsFalse Comparator = "is_false"
)

func (c Comparator) boolean() bool {
	return c == CmpIsTrue || c == CmpIsFalse
}

// Rule — одна строка декларативной таблицы.
type Rule struct {
	ID          string          `yaml:"id"`
	Group       string          `yaml:"group"`
	Metric      string          `yaml:"metric"`
	Comparator  Comparator      `yaml:"comparator"`
	Threshold   float64         `yaml:"threshold"`
	Category    domain.Category `yaml:"category"`
	Impact      domain.Level    `yaml:"impact"`
	Effort      domain.Level    `yaml:"effort"`
	Urgency     domain.Level    `yaml:"urgency"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`

	tmpl *template.Template
}

// DedupeKey — правила одной группы описывают одну проблему разной тяжести.
func (r *Rule) DedupeKey() string {
	if r.Group != "" {
		return r.Group
	}
	return r.ID
}

// RuleSet — скомпилированная таблица правил.
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules — встроенная таблица.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("recommend: embedded rules are invalid: %v", err))
	}
	return rs
}

// LoadRules читает таблицу из файла.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recommend: read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules разбирает и валидирует таблицу, компилирует шаблоны описаний.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("recommend: parse rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("recommend: rule table is empty")
	}

	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("recommend: rule #%d (%s): %w", i, r.ID, err)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("recommend: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}

		tmpl, err := template.New(r.ID).Option("missingkey=error").Parse(r.Description)
		if err != nil {
			return nil, fmt.Errorf("recommend: rule %s description: %w", r.ID, err)
		}
		r.tmpl = tmpl
	}
	return &rs, nil
}

func (r *Rule) validate() error {
	if r.ID == "" || r.Metric == "" || r.Title == "" {
		return fmt.Errorf("id, metric and title are required")
	}
	switch r.Comparator {
	case CmpGT, CmpGTE, CmpLT, CmpLTE, CmpEQ, CmpIsTrue, CmpIsFalse:
	default:
		return fmt.Errorf("unknown comparator %q", r.Comparator)
	}
	switch r.Category {
	case domain.CategoryPerformance, domain.CategorySEO, domain.CategorySecurity,
		domain.CategoryAccessibility, domain.CategoryBestPractices:
	default:
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if _, err := domain.ImpactScore(r.Impact); err != nil {
		return err
	}
	if _, err := domain.EffortScore(r.Effort); err != nil {
		return err
	}
	if _, err := domain.UrgencyScore(r.Urgency); err != nil {
		return err
	}
	return nil
}

// match проверяет правило на наборе. ok=false — метрики нет или тип не тот.
func (r *Rule) match(bag domain.RawMetricBag) (observed any, matched bool) {
	if r.Comparator.boolean() {
		v, ok := bag.Bool(r.Metric)
		if !ok {
			return nil, false
		}
		return v, v == (r.Comparator == CmpIsTrue)
	}

	v, ok := bag.Number(r.Metric)
	if !ok {
		return nil, false
	}
	switch r.Comparator {
	case CmpGT:
		matched = v > r.Threshold
	case CmpGTE:
		matched = v >= r.Threshold
	case CmpLT:
		matched = v < r.Threshold
	case CmpLTE:
		matched = v <= r.Threshold
	case CmpEQ:
		matched = v == r.Threshold
	}
	return v, matched
}

func (r *Rule) describe(observed any) (string, error) {
	var buf bytes.Buffer
	data := map[string]any{
		"Metric":    r.Metric,
		"Threshold": r.Threshold,
		"Value":     observed,
	}
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("recommend: render %s: %w", r.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Evaluate прогоняет таблицу по набору метрик. В группе срабатывает первое правило.
func (rs *RuleSet) Evaluate(bag domain.RawMetricBag) ([]domain.Issue, error) {
	fired := make(map[string]struct{})
	var issues []domain.Issue

	for i := range rs.Rules {
		r := &rs.Rules[i]
		key := r.DedupeKey()
		if _, done := fired[key]; done {
			continue
		}
		observed, ok := r.match(bag)
		if !ok {
			continue
		}
		desc, err := r.describe(observed)
		if err != nil {
			return nil, err
		}
		fired[key] = struct{}{}
		issues = append(issues, domain.Issue{
			RuleID:      r.ID,
			DedupeKey:   key,
			Category:    r.Category,
			Title:       r.Title,
			Description: desc,
			Impact:      r.Impact,
			Effort:      r.Effort,
			Urgency:     r.Urgency,
			MetricKey:   r.Metric,
			Observed:    observed,
		})
	}
	return issues, nil
}
