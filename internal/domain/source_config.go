package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SourceKind selects which adapter a SourceConfig targets.
type SourceKind string

const (
	KindArxiv           SourceKind = "arxiv"
	KindPubmed          SourceKind = "pubmed"
	KindCrossref        SourceKind = "crossref"
	KindOpenAlex        SourceKind = "openalex"
	KindSemanticScholar SourceKind = "semantic_scholar"
	KindBrowser         SourceKind = "browser"
)

// APIKinds lists the kinds that talk to a remote HTTP API (everything but
// browser). Fan-out configs aggregate across these.
var APIKinds = []SourceKind{KindArxiv, KindPubmed, KindCrossref, KindOpenAlex, KindSemanticScholar}

func (k SourceKind) Valid() bool {
	switch k {
	case KindArxiv, KindPubmed, KindCrossref, KindOpenAlex, KindSemanticScholar, KindBrowser:
		return true
	}
	return false
}

// Schedule describes when a source is due. At least one of IntervalMinutes,
// TimeOfDay or CronExpr must be set when Enabled.
type Schedule struct {
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
	TimeOfDay       string   `json:"time_of_day,omitempty"` // "HH:MM" wall clock
	DaysOfWeek      []string `json:"days_of_week,omitempty"`
	CronExpr        string   `json:"cron_expr,omitempty"` // optional standard 5-field expression
	Enabled         bool     `json:"enabled"`
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

// WeekdaySet resolves DaysOfWeek into a lookup set. An empty schedule mask
// returns nil, meaning every weekday is allowed.
func (s *Schedule) WeekdaySet() (map[time.Weekday]bool, error) {
	if len(s.DaysOfWeek) == 0 {
		return nil, nil
	}
	set := make(map[time.Weekday]bool, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		set[wd] = true
	}
	return set, nil
}

// TimeOfDayParts parses the "HH:MM" field.
func (s *Schedule) TimeOfDayParts() (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s.TimeOfDay, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time_of_day %q: %w", s.TimeOfDay, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time_of_day %q out of range", s.TimeOfDay)
	}
	return hour, minute, nil
}

func (s *Schedule) Validate() error {
	if s.IntervalMinutes == 0 && s.TimeOfDay == "" && s.CronExpr == "" {
		return fmt.Errorf("schedule needs interval_minutes, time_of_day or cron_expr")
	}
	if s.IntervalMinutes < 0 || (s.IntervalMinutes > 0 && s.IntervalMinutes < 1) {
		return fmt.Errorf("interval_minutes must be >= 1")
	}
	if s.TimeOfDay != "" {
		if _, _, err := s.TimeOfDayParts(); err != nil {
			return err
		}
	}
	if _, err := s.WeekdaySet(); err != nil {
		return err
	}
	if s.CronExpr != "" {
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron_expr %q: %w", s.CronExpr, err)
		}
	}
	return nil
}

// Filters are the explicit per-source acceptance criteria applied after
// dedup, alongside the corpus relevance score.
type Filters struct {
	Keywords           []string   `json:"keywords,omitempty"`
	DateFrom           *time.Time `json:"date_from,omitempty"`
	DateTo             *time.Time `json:"date_to,omitempty"`
	MinCitationCount   *int       `json:"min_citation_count,omitempty"`
	RelevanceThreshold float64    `json:"relevance_threshold"`
}

// SourceConfig is one discovery source definition. The DB row is canonical;
// a JSON file under the sources directory mirrors it for hand editing.
type SourceConfig struct {
	Name            string          `json:"name"`
	Kind            SourceKind      `json:"kind"`
	IsActive        bool            `json:"is_active"`
	AdapterParams   json.RawMessage `json:"adapter_params,omitempty"`
	Schedule        Schedule        `json:"schedule"`
	Filters         Filters         `json:"filters"`
	MaxPapersPerRun int             `json:"max_papers_per_run"`
	FanOut          bool            `json:"fan_out,omitempty"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// Per-kind adapter parameter shapes. AdapterParams must unmarshal into the
// struct matching Kind.

type ArxivParams struct {
	Categories []string `json:"categories,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	SortBy     string   `json:"sort_by,omitempty"`    // relevance | lastUpdatedDate | submittedDate
	SortOrder  string   `json:"sort_order,omitempty"` // ascending | descending
}

type PubmedParams struct {
	Keywords []string `json:"keywords,omitempty"`
	MeshTerm string   `json:"mesh_term,omitempty"`
}

type CrossrefParams struct {
	Keywords     []string `json:"keywords,omitempty"`
	JournalsOnly bool     `json:"journals_only,omitempty"`
}

type OpenAlexParams struct {
	Keywords []string `json:"keywords,omitempty"`
	Concepts []string `json:"concepts,omitempty"`
}

type SemanticScholarParams struct {
	Keywords       []string `json:"keywords,omitempty"`
	FieldsOfStudy  []string `json:"fields_of_study,omitempty"`
	MinCitations   int      `json:"min_citations,omitempty"`
	SortByCitation bool     `json:"sort_by_citation,omitempty"`
}

type BrowserParams struct {
	Workflow  BrowserWorkflow `json:"workflow"`
	SessionID string          `json:"session_id,omitempty"`
}

// ParseParams decodes AdapterParams into the kind-specific struct and
// validates it. The returned value is one of the *Params types above.
func (c *SourceConfig) ParseParams() (any, error) {
	raw := c.AdapterParams
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch c.Kind {
	case KindArxiv:
		var p ArxivParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Categories) == 0 && len(p.Keywords) == 0 {
			return nil, fmt.Errorf("arxiv params need categories or keywords")
		}
		return &p, nil
	case KindPubmed:
		var p PubmedParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Keywords) == 0 && p.MeshTerm == "" {
			return nil, fmt.Errorf("pubmed params need keywords or mesh_term")
		}
		return &p, nil
	case KindCrossref:
		var p CrossrefParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindOpenAlex:
		var p OpenAlexParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindSemanticScholar:
		var p SemanticScholarParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case KindBrowser:
		var p BrowserParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Workflow.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", c.Kind)
	}
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid adapter params: %w", err)
	}
	return nil
}

// Validate checks the whole config. It is the gate every Store write goes
// through; the Scheduler only ever sees configs that passed it.
func (c *SourceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("source name is required")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown source kind %q", c.Kind)
	}
	if c.MaxPapersPerRun < 1 {
		return fmt.Errorf("max_papers_per_run must be >= 1")
	}
	if c.Filters.RelevanceThreshold < 0 || c.Filters.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be in [0,1]")
	}
	if c.Filters.DateFrom != nil && c.Filters.DateTo != nil && c.Filters.DateTo.Before(*c.Filters.DateFrom) {
		return fmt.Errorf("date_to before date_from")
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	if _, err := c.ParseParams(); err != nil {
		return err
	}
	if c.FanOut && c.Kind == KindBrowser {
		return fmt.Errorf("fan_out is only supported for API kinds")
	}
	return nil
}
