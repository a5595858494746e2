package network

import (
	"sort"
)

// Action is a subscriber's decision. Higher values take precedence.
type Action int

const (
	ActionNone Action = iota
	ActionContinue
	ActionRespond
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRespond:
		return "respond"
	case ActionAbort:
		return "abort"
	}
	return "none"
}

// Credentials answer an authRequired challenge.
type Credentials struct {
	Username string
	Password string
}

// ContinueOverrides amend the request (or, in responseStarted, the
// response) before it proceeds. Unset fields are left alone.
type ContinueOverrides struct {
	URL         string
	Method      string
	Body        *string
	Headers     map[string]string
	Credentials *Credentials
}

// RespondOverrides describe a response served instead of the network one.
type RespondOverrides struct {
	StatusCode   int
	ReasonPhrase string
	Headers      map[string]string
	Body         string
}

type vote struct {
	seq      uint64
	action   Action
	priority int
	cont     ContinueOverrides
	respond  RespondOverrides
	reason   string
}

// decision is the outcome of one phase.
type decision struct {
	action   Action
	priority int
	cont     ContinueOverrides
	respond  RespondOverrides
	reason   string
}

// precedes reports whether a wins over b within the same action kind.
func precedes(a, b vote) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// decide applies the resolution rule to votes. With no votes the request
// continues unchanged.
func decide(votes []vote) decision {
	if len(votes) == 0 {
		return decision{action: ActionContinue}
	}

	best := votes[0]
	for _, v := range votes[1:] {
		if v.action > best.action || (v.action == best.action && precedes(v, best)) {
			best = v
		}
	}

	d := decision{
		action:   best.action,
		priority: best.priority,
		respond:  best.respond,
		reason:   best.reason,
	}
	if best.action == ActionContinue {
		d.cont = mergeContinue(votes)
	}
	return d
}

// mergeContinue merges the overrides of every continue vote. On conflicting
// keys the vote that would win the phase wins the key.
func mergeContinue(votes []vote) ContinueOverrides {
	conts := make([]vote, 0, len(votes))
	for _, v := range votes {
		if v.action == ActionContinue {
			conts = append(conts, v)
		}
	}
	// Weakest first, so stronger votes overwrite.
	sort.SliceStable(conts, func(i, j int) bool { return precedes(conts[j], conts[i]) })

	var out ContinueOverrides
	for _, v := range conts {
		o := v.cont
		if o.URL != "" {
			out.URL = o.URL
		}
		if o.Method != "" {
			out.Method = o.Method
		}
		if o.Body != nil {
			out.Body = o.Body
		}
		if o.Credentials != nil {
			out.Credentials = o.Credentials
		}
		for k, val := range o.Headers {
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[k] = val
		}
	}
	return out
}
