package tts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Voice is one reference sample a synthesizer can clone.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Catalog lists the voices found in a samples directory.
type Catalog struct {
	voices []Voice
	byID   map[string]Voice
}

// LoadCatalog scans dir for .wav and .mp3 samples. A missing directory
// yields an empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Voice)}
	if dir == "" {
		return c, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read voices dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".wav" && ext != ".mp3" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		v := Voice{
			ID:       id,
			Name:     displayName(id),
			Filename: entry.Name(),
			Path:     filepath.Join(dir, entry.Name()),
		}
		c.voices = append(c.voices, v)
		c.byID[id] = v
	}
	sort.Slice(c.voices, func(i, j int) bool { return c.voices[i].Name < c.voices[j].Name })
	return c, nil
}

func displayName(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func (c *Catalog) Voices() []Voice {
	if c == nil {
		return nil
	}
	return append([]Voice(nil), c.voices...)
}

func (c *Catalog) Empty() bool {
	return c == nil || len(c.voices) == 0
}

// Allows reports whether id can be selected. Any voice is allowed when the
// catalog is empty.
func (c *Catalog) Allows(id string) bool {
	if c.Empty() {
		return true
	}
	_, ok := c.byID[id]
	return ok
}
