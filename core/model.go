package core

import (
	"github.com/stevegt/envi"
)

// Model is a type for model name, token limits, and upstream routing.
type Model struct {
	Name string
	// InputLimit is the maximum number of input tokens the model
	// accepts; requests are truncated to fit under it.
	InputLimit int
	// OutputLimit is the maximum number of completion tokens.
	OutputLimit int
	// keyEnvVar names the environment variable holding the API key;
	// empty means the provider needs no key.
	keyEnvVar string
	// urlEnvVar names the environment variable overriding the
	// endpoint URL; empty means the URL is fixed.
	urlEnvVar  string
	defaultURL string
	// appendPath adds the chat completions path to the URL; used by
	// the catch-all Ollama route, where the env var holds only the
	// host part.
	appendPath bool
}

// BaseURL returns the chat completions endpoint for the model.  The
// environment is read at call time so changes take effect without a
// restart.
func (m *Model) BaseURL() (url string) {
	url = m.defaultURL
	if m.urlEnvVar != "" {
		url = envi.String(m.urlEnvVar, m.defaultURL)
	}
	if m.appendPath {
		url += "/v1/chat/completions"
	}
	return
}

// Key returns the API key for the model, or empty if the provider
// needs no key or the environment variable is unset.
func (m *Model) Key() (key string) {
	if m.keyEnvVar == "" {
		return ""
	}
	return envi.String(m.keyEnvVar, "")
}

// Models is a type that manages the set of known models.
type Models struct {
	// The list of known models.
	Available map[string]*Model
}

// NewModels creates a new Models object.
func NewModels() (models *Models) {
	models = &Models{}
	models.Available = make(map[string]*Model)
	add := func(name string, inputLimit, outputLimit int, keyEnvVar, urlEnvVar, defaultURL string) {
		m := &Model{
			Name:        name,
			InputLimit:  inputLimit,
			OutputLimit: outputLimit,
			keyEnvVar:   keyEnvVar,
			urlEnvVar:   urlEnvVar,
			defaultURL:  defaultURL,
		}
		models.Available[name] = m
	}

	add("gpt-4.1", 128000, 4096, "OPENAI_API_KEY", "RSV_OPENAI_BASE_URL", "https://api.openai.com/v1/chat/completions")
	add("gpt-4o", 128000, 4096, "OPENAI_API_KEY", "RSV_OPENAI_BASE_URL", "https://api.openai.com/v1/chat/completions")
	add("gpt-4o-mini", 48000, 4096, "OPENAI_API_KEY", "RSV_OPENAI_BASE_URL", "https://api.openai.com/v1/chat/completions")
	add("llama3.2", 128000, 2048, "", "RSV_OLLAMA_BASE_URL", "http://localhost:11434/v1/chat/completions")
	add("mistral-large-2402", 128000, 2048, "MISTRAL_API_KEY", "RSV_MISTRAL_BASE_URL", "https://api.mistral.ai/v1/chat/completions")
	add("gemini-2.0-flash", 128000, 2048, "GEMINI_API_KEY", "", "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions")

	return
}

// FindModel returns the model object for a model name.  Unknown names
// get a catch-all model routed to a local Ollama instance, so lookup
// never fails.
func (models *Models) FindModel(name string) (m *Model) {
	m, ok := models.Available[name]
	if !ok {
		m = &Model{
			Name:        name,
			InputLimit:  128000,
			OutputLimit: 2048,
			keyEnvVar:   "OLLAMA_API_KEY",
			urlEnvVar:   "OLLAMA_BASE_URL",
			defaultURL:  "http://localhost:11434",
			appendPath:  true,
		}
	}
	return
}
