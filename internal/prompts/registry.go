// Package prompts holds every system prompt the pipeline sends to the LLM.
// Defaults are embedded; a directory of *.md files can override any entry.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"
)

// DefaultKey names the fallback entry of every kind.
const DefaultKey = "default"

// ErrNotFound is returned when no prompt is registered for a key.
var ErrNotFound = errors.New("prompt not found")

//go:embed defaults/*.md
var defaultFiles embed.FS

// ExtractionData feeds the extraction templates.
type ExtractionData struct {
	Today          string
	DefaultAccount string
	Accounts       []string
	Categories     []string
}

// Registry is immutable after Load.
type Registry struct {
	intents     map[string]string
	extraction  map[string]*template.Template
	responses   map[string]string
	ocr         string
	translation *template.Template
}

// Default returns the embedded prompt set.
func Default() (*Registry, error) {
	return Load("", nil)
}

// Load builds the registry from the embedded defaults, overlaid with the
// prompts found in overrideDir (if any).
func Load(overrideDir string, logger *zap.Logger) (*Registry, error) {
	base, err := LoadFS(defaultFiles, "defaults", logger)
	if err != nil {
		return nil, fmt.Errorf("load default prompts: %w", err)
	}
	overrides, err := LoadDir(overrideDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load prompt overrides: %w", err)
	}
	if logger != nil && len(overrides) > 0 {
		logger.Info("prompt overrides loaded", zap.String("dir", overrideDir), zap.Int("count", len(overrides)))
	}

	r := &Registry{
		intents:    make(map[string]string),
		extraction: make(map[string]*template.Template),
		responses:  make(map[string]string),
	}
	for _, p := range append(base, overrides...) {
		if err := r.add(p); err != nil {
			return nil, err
		}
	}
	if _, ok := r.intents[DefaultKey]; !ok {
		return nil, fmt.Errorf("intent prompt %q: %w", DefaultKey, ErrNotFound)
	}
	return r, nil
}

func (r *Registry) add(p Prompt) error {
	switch p.Kind {
	case KindIntent:
		r.intents[p.Key] = p.Body
	case KindResponse:
		r.responses[p.Key] = p.Body
	case KindOCR:
		r.ocr = p.Body
	case KindExtraction:
		tmpl, err := template.New(p.Name).Option("missingkey=zero").Parse(p.Body)
		if err != nil {
			return fmt.Errorf("parse extraction prompt %s: %w", p.Source, err)
		}
		r.extraction[p.Key] = tmpl
	case KindTranslation:
		tmpl, err := template.New(p.Name).Option("missingkey=zero").Parse(p.Body)
		if err != nil {
			return fmt.Errorf("parse translation prompt %s: %w", p.Source, err)
		}
		r.translation = tmpl
	}
	return nil
}

// Intent returns the classifier prompt for variant, or the default one when
// the variant is unknown.
func (r *Registry) Intent(variant string) string {
	if body, ok := r.intents[variant]; ok {
		return body
	}
	return r.intents[DefaultKey]
}

// HasIntentVariant reports whether variant is registered.
func (r *Registry) HasIntentVariant(variant string) bool {
	_, ok := r.intents[variant]
	return ok
}

// Extraction renders the parameter prompt registered for intent.
func (r *Registry) Extraction(intent string, data ExtractionData) (string, error) {
	tmpl, ok := r.extraction[intent]
	if !ok {
		return "", fmt.Errorf("extraction prompt %q: %w", intent, ErrNotFound)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render extraction prompt %q: %w", intent, err)
	}
	return buf.String(), nil
}

// Response returns the response-generation prompt for kind, falling back
// to the default one.
func (r *Registry) Response(kind string) string {
	if body, ok := r.responses[kind]; ok {
		return body
	}
	return r.responses[DefaultKey]
}

func (r *Registry) OCR() string {
	return r.ocr
}

// Translation renders the translation prompt. source is left empty when the
// source language is auto-detected.
func (r *Registry) Translation(source, target string) (string, error) {
	if r.translation == nil {
		return "", fmt.Errorf("translation prompt: %w", ErrNotFound)
	}
	var buf bytes.Buffer
	err := r.translation.Execute(&buf, struct{ Source, Target string }{source, target})
	if err != nil {
		return "", fmt.Errorf("render translation prompt: %w", err)
	}
	return buf.String(), nil
}
