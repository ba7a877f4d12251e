// Package prompts resolves externalized LLM prompt templates. Prompts are
// stored as JSON files, one per stage, keyed by locale, and embedded at
// compile time.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/jonathan/textbook-forge/internal/llm"
)

//go:embed *.json
var promptFiles embed.FS

// Stage names with an embedded prompt file.
const (
	Planner    = "planner"
	Researcher = "researcher"
	Writer     = "writer"
	Validator  = "validator"
	QA         = "qa"
	KG         = "kg"
)

// Fallback locales tried in order after the requested one.
var fallbackLocales = []string{"zh", "en"}

// Template is the system and user text of one stage in one locale.
type Template struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// NotFoundError is returned when a stage has no prompt file or no usable locale.
type NotFoundError struct {
	Stage  string
	Locale string
	Cause  error
}

func (e *NotFoundError) Error() string {
	if e.Locale != "" {
		return fmt.Sprintf("prompt %q has no locale %q", e.Stage, e.Locale)
	}
	if e.Cause != nil {
		return fmt.Sprintf("prompt %q not found: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("prompt %q not found", e.Stage)
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Registry loads and caches prompt files. The zero value is not usable; build
// one with New or NewFromFS.
type Registry struct {
	fsys fs.FS

	mu        sync.RWMutex
	files     map[string]map[string]Template
	templates map[string]*compiled // stage + "/" + locale
}

// New returns a registry over the embedded prompt files.
func New() *Registry {
	return NewFromFS(promptFiles)
}

// NewFromFS returns a registry reading <stage>.json files from fsys.
func NewFromFS(fsys fs.FS) *Registry {
	return &Registry{
		fsys:      fsys,
		files:     make(map[string]map[string]Template),
		templates: make(map[string]*compiled),
	}
}

// Get returns the raw template of stage for locale, falling back to zh then en.
func (r *Registry) Get(stage, locale string) (Template, string, error) {
	locales, err := r.load(stage)
	if err != nil {
		return Template{}, "", err
	}
	for _, candidate := range append([]string{locale}, fallbackLocales...) {
		if t, ok := locales[candidate]; ok {
			return t, candidate, nil
		}
	}
	return Template{}, "", &NotFoundError{Stage: stage, Locale: locale}
}

// Resolve renders stage's prompt with vars into chat messages. Placeholders
// use text/template syntax ({{.Key}}); missing keys render empty.
func (r *Registry) Resolve(stage, locale string, vars map[string]string) ([]llm.Message, error) {
	tmpl, err := r.compile(stage, locale)
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	if tmpl.system != nil {
		text, err := execute(tmpl.system, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s system prompt: %w", stage, err)
		}
		messages = append(messages, llm.System(text))
	}
	text, err := execute(tmpl.user, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s prompt: %w", stage, err)
	}
	messages = append(messages, llm.User(text))
	return messages, nil
}

// Stages lists the stage names available in the registry's file system.
func (r *Registry) Stages() ([]string, error) {
	matches, err := fs.Glob(r.fsys, "*.json")
	if err != nil {
		return nil, err
	}
	stages := make([]string, 0, len(matches))
	for _, m := range matches {
		stages = append(stages, strings.TrimSuffix(m, ".json"))
	}
	sort.Strings(stages)
	return stages, nil
}

func (r *Registry) compile(stage, locale string) (*compiled, error) {
	raw, resolved, err := r.Get(stage, locale)
	if err != nil {
		return nil, err
	}
	key := stage + "/" + resolved

	r.mu.RLock()
	c, ok := r.templates[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	c = &compiled{}
	if strings.TrimSpace(raw.System) != "" {
		if c.system, err = parse(key+"/system", raw.System); err != nil {
			return nil, err
		}
	}
	if c.user, err = parse(key+"/user", raw.User); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.templates[key] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) load(stage string) (map[string]Template, error) {
	r.mu.RLock()
	locales, ok := r.files[stage]
	r.mu.RUnlock()
	if ok {
		return locales, nil
	}

	data, err := fs.ReadFile(r.fsys, stage+".json")
	if err != nil {
		return nil, &NotFoundError{Stage: stage, Cause: err}
	}
	if err := json.Unmarshal(data, &locales); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s.json: %w", stage, err)
	}

	r.mu.Lock()
	r.files[stage] = locales
	r.mu.Unlock()
	return locales, nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template %s: %w", name, err)
	}
	return t, nil
}

func execute(t *template.Template, vars map[string]string) (string, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
