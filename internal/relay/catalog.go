package relay

// Model ids.
const (
	ModelSonar        = "sonar"
	ModelSonarPro     = "sonar-pro"
	ModelGPT52        = "gpt-5.2"
	ModelReasoningPro = "reasoning-pro"
	ModelDeepResearch = "deep-research"
)

// Focus mode ids.
const (
	FocusWeb      = "web"
	FocusAcademic = "academic"
	FocusWriting  = "writing"
	FocusVideo    = "video"
	FocusSocial   = "social"
	FocusMath     = "math"
	FocusWolfram  = "wolfram"
)

// Defaults applied when a request leaves model or focus empty.
const (
	DefaultModel      = ModelSonar
	DefaultFocus      = FocusWeb
	DefaultImageModel = ModelSonarPro
)

// Model describes an upstream model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Speed       string `json:"speed"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

// Focus describes a search focus mode.
type Focus struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

var models = []Model{
	{ID: ModelSonar, Name: "Sonar", Speed: "10x faster", Context: "128K tokens", Description: "Fast, ideal for Q&A"},
	{ID: ModelSonarPro, Name: "Sonar Pro", Speed: "Moderate", Context: "200K tokens", Description: "2x retrieval depth, detailed analysis"},
	{ID: ModelGPT52, Name: "GPT-5.2", Speed: "Moderate", Context: "128K tokens", Description: "OpenAI, coding and reasoning"},
	{ID: ModelReasoningPro, Name: "Reasoning Pro", Speed: "Moderate", Context: "128K tokens", Description: "Stepwise logic, complex problems"},
	{ID: ModelDeepResearch, Name: "Deep Research", Speed: "Lower", Context: "128K tokens", Description: "Maximum research, long reports"},
}

var focusModes = []Focus{
	{ID: FocusWeb, Description: "General web search"},
	{ID: FocusAcademic, Description: "Scientific papers"},
	{ID: FocusWriting, Description: "Creative content"},
	{ID: FocusVideo, Description: "YouTube and videos"},
	{ID: FocusSocial, Description: "X, Reddit, forums"},
	{ID: FocusMath, Description: "Mathematics"},
	{ID: FocusWolfram, Description: "Wolfram Alpha"},
}

// Models lists the known models.
func Models() []Model {
	return append([]Model(nil), models...)
}

// FocusModes lists the known focus modes.
func FocusModes() []Focus {
	return append([]Focus(nil), focusModes...)
}

// ModelInfo returns the model with the given id, or Sonar if it is unknown.
func ModelInfo(id string) Model {
	for _, m := range models {
		if m.ID == id {
			return m
		}
	}
	return models[0]
}

// FocusInfo returns the focus mode with the given id, or web if it is unknown.
func FocusInfo(id string) Focus {
	for _, f := range focusModes {
		if f.ID == id {
			return f
		}
	}
	return focusModes[0]
}

// IsKnownModel reports whether id names a catalog model.
func IsKnownModel(id string) bool {
	return ModelInfo(id).ID == id
}

// IsKnownFocus reports whether id names a catalog focus mode.
func IsKnownFocus(id string) bool {
	return FocusInfo(id).ID == id
}
