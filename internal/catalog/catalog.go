// Package catalog resolves ledger account and category names to their
// stable IDs. Lookups run against an immutable Snapshot; a Holder swaps
// snapshots atomically when the catalog is refreshed.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names a catalog in resolution errors.
type Kind string

const (
	KindAccount  Kind = "Account"
	KindCategory Kind = "Category"
)

type Account struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	OffBudget bool   `yaml:"offbudget" json:"offbudget"`
	Closed    bool   `yaml:"closed" json:"closed"`
}

func (a Account) EntryID() string   { return a.ID }
func (a Account) EntryName() string { return a.Name }

type Category struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	IsIncome bool   `yaml:"is_income" json:"is_income"`
	Hidden   bool   `yaml:"hidden" json:"hidden"`
	GroupID  string `yaml:"group_id" json:"group_id"`
}

func (c Category) EntryID() string   { return c.ID }
func (c Category) EntryName() string { return c.Name }

// Entry is anything that can be looked up by name.
type Entry interface {
	EntryID() string
	EntryName() string
}

// ResolutionError reports a name missing from a catalog.
type ResolutionError struct {
	Catalog Kind
	Name    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Catalog, e.Name)
}

// Resolve returns the ID of the first entry whose name equals name exactly.
// There is no case folding and no fuzzy matching.
func Resolve[T Entry](entries []T, kind Kind, name string) (string, error) {
	for _, e := range entries {
		if e.EntryName() == name {
			return e.EntryID(), nil
		}
	}
	return "", &ResolutionError{Catalog: kind, Name: name}
}

// Snapshot must not be modified after it is published to a Holder.
type Snapshot struct {
	Accounts   []Account  `yaml:"accounts"`
	Categories []Category `yaml:"categories"`
	Source     string     `yaml:"-"`
	LoadedAt   time.Time  `yaml:"-"`
}

func (s *Snapshot) AccountID(name string) (string, error) {
	return Resolve(s.Accounts, KindAccount, name)
}

func (s *Snapshot) CategoryID(name string) (string, error) {
	return Resolve(s.Categories, KindCategory, name)
}

// AccountNames lists open accounts, in catalog order.
func (s *Snapshot) AccountNames() []string {
	out := make([]string, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if !a.Closed {
			out = append(out, a.Name)
		}
	}
	return out
}

// CategoryNames lists visible categories, in catalog order.
func (s *Snapshot) CategoryNames() []string {
	out := make([]string, 0, len(s.Categories))
	for _, c := range s.Categories {
		if !c.Hidden {
			out = append(out, c.Name)
		}
	}
	return out
}

// DefaultAccount is the first open on-budget account.
func (s *Snapshot) DefaultAccount() string {
	for _, a := range s.Accounts {
		if !a.Closed && !a.OffBudget {
			return a.Name
		}
	}
	return ""
}

//go:embed catalog.yaml
var builtinCatalog []byte

// Builtin returns the catalog shipped with the binary.
func Builtin() (*Snapshot, error) {
	return Parse(builtinCatalog, "builtin")
}

// Parse decodes a YAML (or JSON) catalog document.
func Parse(data []byte, source string) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", source, err)
	}
	if len(s.Accounts) == 0 && len(s.Categories) == 0 {
		return nil, fmt.Errorf("parse catalog %s: no accounts or categories", source)
	}
	for _, a := range s.Accounts {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("parse catalog %s: account with empty id or name", source)
		}
	}
	for _, c := range s.Categories {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("parse catalog %s: category with empty id or name", source)
		}
	}
	s.Source = source
	s.LoadedAt = time.Now()
	return &s, nil
}

// Load reads the catalog at path, falling back to the builtin catalog when
// path is empty or does not exist.
func Load(path string) (*Snapshot, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Builtin()
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, path)
}

// Save writes s to path as YAML.
func Save(path string, s *Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

// Holder publishes the current snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.current.Store(s)
	return h
}

func (h *Holder) Snapshot() *Snapshot {
	return h.current.Load()
}

func (h *Holder) Store(s *Snapshot) {
	h.current.Store(s)
}

func (h *Holder) AccountNames() []string  { return h.Snapshot().AccountNames() }
func (h *Holder) CategoryNames() []string { return h.Snapshot().CategoryNames() }
func (h *Holder) DefaultAccount() string  { return h.Snapshot().DefaultAccount() }
