// Package bus implements the in-process synchronous event bus and the
// event catalog shared across the monitoring pipeline and the UI shell.
package bus

// Severity classifies LogEvent entries.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// LogEvent carries a user-visible log line. Zero severity is INFO.
type LogEvent struct {
	Message  string
	Severity Severity
}

// TriggerAgentAnalysisEvent requests a one-shot analysis. Prompts prefixed
// with "analyze-ref:" address a stored investigation by "ID:{8-char id}"
// or by permalink.
type TriggerAgentAnalysisEvent struct {
	Prompt string
}

// PowerModeChangedEvent tells the LLM gateway to reinitialize.
type PowerModeChangedEvent struct {
	Enabled bool
}

// LanguageChangedEvent tells the i18n layer to reload resources.
type LanguageChangedEvent struct {
	Language string
}

// AgentStreamStartEvent opens a streamed LLM response in the UI.
type AgentStreamStartEvent struct {
	Source   string
	CSSClass string
}

// AgentTokenEvent carries one token of an in-flight stream. High frequency;
// the bus keeps these out of its own debug log.
type AgentTokenEvent struct {
	Token string
}

// AgentStreamEndEvent closes a stream with the full concatenated text.
type AgentStreamEndEvent struct {
	FullText string
}

// AgentStatusEvent updates the transient status line. An empty status
// clears it; the first token of a stream must be preceded by a clear.
type AgentStatusEvent struct {
	Status string
}

// UI-side events, carried through but opaque to the core.
type (
	SearchEvent              struct{ Query string }
	SearchNextEvent          struct{}
	RedditSearchResultsEvent struct{ HasResults bool }
	ToggleRedditPanelEvent   struct{ Visible bool }
	ClearTerminalEvent       struct{}
)
