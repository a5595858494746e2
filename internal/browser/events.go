package browser

// Events the resource graph needs from the remote end.
var sessionEvents = []string{
	eventContextCreated,
	eventContextDestroyed,
	eventNavigationStarted,
	eventFragmentNavigated,
	eventDOMContentLoaded,
	eventLoad,
	eventUserPromptOpened,
	eventUserPromptClosed,
	eventRealmCreated,
	eventRealmDestroyed,
}

const (
	eventContextCreated    = "browsingContext.contextCreated"
	eventContextDestroyed  = "browsingContext.contextDestroyed"
	eventNavigationStarted = "browsingContext.navigationStarted"
	eventFragmentNavigated = "browsingContext.fragmentNavigated"
	eventDOMContentLoaded  = "browsingContext.domContentLoaded"
	eventLoad              = "browsingContext.load"
	eventUserPromptOpened  = "browsingContext.userPromptOpened"
	eventUserPromptClosed  = "browsingContext.userPromptClosed"
	eventRealmCreated      = "script.realmCreated"
	eventRealmDestroyed    = "script.realmDestroyed"
)

// ContextEvent is an event delivered to BrowsingContext subscribers. It is
// one of the types below.
type ContextEvent interface {
	contextEvent()
}

type NavigationStarted struct {
	Navigation string
	URL        string
}

type FragmentNavigated struct {
	Navigation string
	URL        string
}

type DOMContentLoaded struct {
	Navigation string
	URL        string
}

type Loaded struct {
	Navigation string
	URL        string
}

// ChildCreated is sent to the parent when a child context appears.
type ChildCreated struct {
	Child *BrowsingContext
}

type RealmCreated struct {
	Realm *Realm
}

type PromptOpened struct {
	Prompt *UserPrompt
}

type PromptClosed struct {
	Accepted bool
	UserText string
}

// Closed is the last event of a context.
type Closed struct {
	Reason string
}

func (NavigationStarted) contextEvent() {}
func (FragmentNavigated) contextEvent() {}
func (DOMContentLoaded) contextEvent()  {}
func (Loaded) contextEvent()            {}
func (ChildCreated) contextEvent()      {}
func (RealmCreated) contextEvent()      {}
func (PromptOpened) contextEvent()      {}
func (PromptClosed) contextEvent()      {}
func (Closed) contextEvent()            {}

// Wire payloads.

type contextInfo struct {
	Context     string        `json:"context"`
	URL         string        `json:"url"`
	Parent      *string       `json:"parent,omitempty"`
	UserContext string        `json:"userContext,omitempty"`
	Children    []contextInfo `json:"children,omitempty"`
}

type navigationInfo struct {
	Context    string `json:"context"`
	Navigation string `json:"navigation"`
	URL        string `json:"url"`
}

type realmInfo struct {
	Realm   string `json:"realm"`
	Origin  string `json:"origin"`
	Type    string `json:"type"`
	Context string `json:"context,omitempty"`
	Sandbox string `json:"sandbox,omitempty"`
}

type userPromptOpened struct {
	Context      string `json:"context"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	DefaultValue string `json:"defaultValue,omitempty"`
}

type userPromptClosed struct {
	Context  string `json:"context"`
	Accepted bool   `json:"accepted"`
	UserText string `json:"userText,omitempty"`
}
