package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const promptExt = ".md"

var errInvalidPromptYAML = errors.New("invalid prompt YAML frontmatter")

// Kind groups prompts by the pipeline stage that consumes them.
type Kind string

const (
	KindIntent      Kind = "intent"
	KindExtraction  Kind = "extraction"
	KindResponse    Kind = "response"
	KindOCR         Kind = "ocr"
	KindTranslation Kind = "translation"
)

func (k Kind) valid() bool {
	switch k {
	case KindIntent, KindExtraction, KindResponse, KindOCR, KindTranslation:
		return true
	}
	return false
}

type promptFrontmatter struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// Prompt is one parsed prompt file.
type Prompt struct {
	Name        string
	Kind        Kind
	Key         string
	Description string
	Body        string
	Source      string
}

// LoadDir reads every *.md prompt in dir. A missing directory yields no
// prompts and no error.
func LoadDir(dir string, logger *zap.Logger) ([]Prompt, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat prompts dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts path is not a directory: %s", dir)
	}
	return LoadFS(os.DirFS(dir), ".", logger)
}

// LoadFS reads every *.md prompt under dir in fsys, sorted by file name.
// Files with unparsable frontmatter are skipped with a warning.
func LoadFS(fsys fs.FS, dir string, logger *zap.Logger) ([]Prompt, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read prompts dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	out := make([]Prompt, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), promptExt) {
			continue
		}

		p := path.Join(dir, entry.Name())
		prompt, skip, err := parsePromptFile(fsys, p)
		if err != nil {
			if errors.Is(err, errInvalidPromptYAML) {
				if logger != nil {
					logger.Warn("skip invalid prompt file", zap.String("path", p), zap.Error(err))
				}
				continue
			}
			return nil, err
		}
		if skip {
			continue
		}

		id := string(prompt.Kind) + "/" + prompt.Key
		if prev, exists := seen[id]; exists {
			return nil, fmt.Errorf("duplicate prompt %s in %s (already in %s)", id, p, prev)
		}
		seen[id] = p
		out = append(out, prompt)
	}
	return out, nil
}

func parsePromptFile(fsys fs.FS, p string) (Prompt, bool, error) {
	content, err := fs.ReadFile(fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Prompt{}, true, nil
		}
		return Prompt{}, false, fmt.Errorf("read prompt %q: %w", p, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidPromptYAML) {
			return Prompt{}, false, err
		}
		return Prompt{}, false, fmt.Errorf("parse prompt %q: %w", p, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Prompt{}, false, fmt.Errorf("parse prompt %q: missing name", p)
	}
	kind := Kind(strings.TrimSpace(meta.Kind))
	if !kind.valid() {
		return Prompt{}, false, fmt.Errorf("parse prompt %q: unknown kind %q", p, meta.Kind)
	}
	key := strings.TrimSpace(meta.Key)
	if key == "" {
		key = "default"
	}

	return Prompt{
		Name:        strings.TrimSpace(meta.Name),
		Kind:        kind,
		Key:         key,
		Description: strings.TrimSpace(meta.Description),
		Body:        strings.TrimSpace(body),
		Source:      p,
	}, false, nil
}

func parseFrontmatter(content []byte) (promptFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return promptFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return promptFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta promptFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return promptFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidPromptYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
