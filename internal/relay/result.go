package relay

import (
	"fmt"
	"strings"
)

// Outcome says how a query was answered.
type Outcome string

const (
	// OutcomeLive means the upstream service answered.
	OutcomeLive Outcome = "live"
	// OutcomeSimulated means the call never produced a live answer and a
	// locally built explanation was returned instead.
	OutcomeSimulated Outcome = "simulated"
	// OutcomeFailed means the call failed and Error is set.
	OutcomeFailed Outcome = "failed"
)

// ErrorKind classifies why a query was not answered live.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindInput      ErrorKind = "input"
	KindTransport  ErrorKind = "transport"
	KindCredential ErrorKind = "credential"
	KindInternal   ErrorKind = "internal"
)

const defaultCitationTitle = "Source"

// Citation is one source backing an answer.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// QueryResult is the normalized answer to a text query.
//
// A simulated result never carries citations, images or an error. A result
// with Error set has a user-facing failure message in Text.
type QueryResult struct {
	Outcome   Outcome    `json:"outcome"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	Images    []string   `json:"images"`
	ModelUsed string     `json:"model_used"`
	FocusMode string     `json:"focus_mode,omitempty"`
	Simulated bool       `json:"simulated"`
	Error     string     `json:"error,omitempty"`
	Kind      ErrorKind  `json:"error_kind,omitempty"`
}

// OK reports whether the result is not a failure.
func (r QueryResult) OK() bool { return r.Error == "" }

// ImageResult is the answer to an image query.
type ImageResult struct {
	Outcome       Outcome   `json:"outcome"`
	Text          string    `json:"text"`
	ModelUsed     string    `json:"model_used"`
	ImageAnalyzed bool      `json:"image_analyzed"`
	Error         string    `json:"error,omitempty"`
	Kind          ErrorKind `json:"error_kind,omitempty"`
}

// OK reports whether the result is not a failure.
func (r ImageResult) OK() bool { return r.Error == "" }

// Normalize converts a decoded ask response into a QueryResult.
//
// The answer text is the first non-empty of "text" and "answer". Citations
// come from "citations" when that key is present, otherwise from "sources";
// entries missing a title get "Source". String entries of "images" are kept
// verbatim and in order, empty ones included; entries that are not strings
// are dropped.
func Normalize(raw map[string]any, model, focus string) QueryResult {
	res := QueryResult{
		Outcome:   OutcomeLive,
		Text:      firstText(raw),
		Citations: []Citation{},
		Images:    []string{},
		ModelUsed: model,
		FocusMode: focus,
	}

	if v, ok := raw["citations"]; ok {
		res.Citations = toCitations(v)
	} else if v, ok := raw["sources"]; ok {
		res.Citations = toCitations(v)
	}

	if list, ok := raw["images"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				res.Images = append(res.Images, s)
			}
		}
	}
	return res
}

func firstText(raw map[string]any) string {
	for _, field := range []string{"text", "answer"} {
		if s, ok := raw[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toCitations(v any) []Citation {
	list, ok := v.([]any)
	if !ok {
		return []Citation{}
	}

	out := make([]Citation, 0, len(list))
	for _, item := range list {
		switch c := item.(type) {
		case map[string]any:
			title, _ := c["title"].(string)
			if title == "" {
				title = defaultCitationTitle
			}
			url, _ := c["url"].(string)
			out = append(out, Citation{Title: title, URL: url})
		case string:
			out = append(out, Citation{Title: defaultCitationTitle, URL: c})
		}
	}
	return out
}

// Simulated builds the deterministic fallback answer for req. The text
// repeats the query, lists the effective settings and explains why no live
// answer was produced.
func Simulated(req AskRequest, kind ErrorKind) QueryResult {
	var b strings.Builder
	b.WriteString("Simulation mode\n\n")
	fmt.Fprintf(&b, "Your question: %s\n\n", req.Query)
	if kind == KindCredential {
		b.WriteString("No session token is configured. Live answers require a valid ")
		b.WriteString("session token (PERPLEXITY_SESSION_TOKEN, copied from the ")
		b.WriteString("__Secure-next-auth.session-token browser cookie).\n\n")
	} else {
		b.WriteString("The answer service could not be reached with the current session. ")
		b.WriteString("Live answers require a valid session token; check PERPLEXITY_SESSION_TOKEN.\n\n")
	}
	b.WriteString("Settings used:\n")
	fmt.Fprintf(&b, "- Model: %s\n", req.Model)
	fmt.Fprintf(&b, "- Focus: %s\n", req.Focus)
	fmt.Fprintf(&b, "- Reasoning: %s", yesNo(req.EnableReasoning))

	return QueryResult{
		Outcome:   OutcomeSimulated,
		Text:      b.String(),
		Citations: []Citation{},
		Images:    []string{},
		ModelUsed: req.Model,
		FocusMode: req.Focus,
		Simulated: true,
		Kind:      kind,
	}
}

func failed(model, focus string, kind ErrorKind, err error) QueryResult {
	return QueryResult{
		Outcome:   OutcomeFailed,
		Text:      "Error processing the query: " + err.Error(),
		Citations: []Citation{},
		Images:    []string{},
		ModelUsed: model,
		FocusMode: focus,
		Error:     err.Error(),
		Kind:      kind,
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
