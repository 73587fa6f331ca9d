package domain

import "fmt"

// StepAction is one of the declarative browser workflow verbs.
type StepAction string

const (
	ActionNavigate StepAction = "navigate"
	ActionType     StepAction = "type"
	ActionClick    StepAction = "click"
	ActionWait     StepAction = "wait"
	ActionExtract  StepAction = "extract"
)

// WorkflowStep is a single step in a BrowserWorkflow. Field requirements
// depend on the action: navigate needs URL, type needs Selector (+Text or
// Parameterized), click/wait need Selector, extract needs Selector and
// Fields.
type WorkflowStep struct {
	Action        StepAction        `json:"action"`
	Selector      string            `json:"selector,omitempty"`
	URL           string            `json:"url,omitempty"`
	Text          string            `json:"text,omitempty"`
	Parameterized bool              `json:"parameterized,omitempty"` // TYPE steps: value comes from the run query
	Fields        map[string]string `json:"fields,omitempty"`        // extract: record field -> CSS selector
}

// WorkflowCredentials names the selectors a login sequence types into.
// The secret values themselves come from the environment, never the config
// file.
type WorkflowCredentials struct {
	UsernameSelector string `json:"username_selector,omitempty"`
	PasswordSelector string `json:"password_selector,omitempty"`
}

// BrowserWorkflow is an ordered step list executed against one isolated
// browser context.
type BrowserWorkflow struct {
	Steps       []WorkflowStep       `json:"steps"`
	Credentials *WorkflowCredentials `json:"credentials,omitempty"`
}

func (s *WorkflowStep) Validate() error {
	switch s.Action {
	case ActionNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate step needs url")
		}
	case ActionType:
		if s.Selector == "" {
			return fmt.Errorf("type step needs selector")
		}
		if s.Text == "" && !s.Parameterized {
			return fmt.Errorf("type step needs text or parameterized")
		}
	case ActionClick, ActionWait:
		if s.Selector == "" {
			return fmt.Errorf("%s step needs selector", s.Action)
		}
	case ActionExtract:
		if s.Selector == "" || len(s.Fields) == 0 {
			return fmt.Errorf("extract step needs selector and fields")
		}
	default:
		return fmt.Errorf("unknown workflow action %q", s.Action)
	}
	return nil
}

func (w *BrowserWorkflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	for i := range w.Steps {
		s := &w.Steps[i]
		if w.IsCredentialStep(s) {
			// The engine supplies the secret; no text required.
			continue
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// IsCredentialStep reports whether a TYPE step targets one of the login
// selectors. The engine types the environment-sourced secret into such
// steps instead of step text.
func (w *BrowserWorkflow) IsCredentialStep(s *WorkflowStep) bool {
	if w.Credentials == nil || s.Action != ActionType || s.Selector == "" {
		return false
	}
	return s.Selector == w.Credentials.UsernameSelector ||
		s.Selector == w.Credentials.PasswordSelector
}
