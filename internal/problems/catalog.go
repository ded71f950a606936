// internal/problems/catalog.go
package problems

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// langExts maps supported languages to their source-file extensions.
var langExts = map[string]string{
	"python":     ".py",
	"cpp":        ".cpp",
	"javascript": ".js",
}

// defaultCurated is the hardcoded allow-list used when no curated.txt exists.
var defaultCurated = map[string]bool{"0001": true, "0002": true}

var fileNameRe = regexp.MustCompile(`^(\d+)-(.*)\.[^.]+$`)

// Problem is the catalog metadata for one problem. Content is loaded lazily
// per language; only paths are held in memory.
type Problem struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Slug       string   `json:"slug"`
	Difficulty string   `json:"difficulty"`
	Languages  []string `json:"languages"`

	paths map[string]string
}

// Catalog is an in-memory index of the problems directory, built once at
// startup. It is read-only after Load, so no locking is needed.
type Catalog struct {
	dir      string
	problems map[string]*Problem
	log      *logrus.Logger
}

// Load scans dir for problem files laid out as <language>/NNNN-slug.<ext>.
// An optional curated.txt in dir restricts the index to the listed ids.
func Load(dir string, logger *logrus.Logger) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		problems: make(map[string]*Problem),
		log:      logger,
	}

	allowed := loadCurated(dir, logger)

	for lang, ext := range langExts {
		langDir := filepath.Join(dir, lang)
		entries, err := os.ReadDir(langDir)
		if err != nil {
			logger.Warnf("problems: directory %s not found, skipping", langDir)
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ext) {
				continue
			}
			match := fileNameRe.FindStringSubmatch(name)
			if match == nil {
				continue
			}
			id, slug := match[1], match[2]
			if !allowed[id] {
				continue
			}

			p, ok := c.problems[id]
			if !ok {
				p = &Problem{
					ID:         id,
					Title:      titleFromSlug(slug),
					Slug:       slug,
					Difficulty: "Medium",
					paths:      make(map[string]string),
				}
				c.problems[id] = p
			}
			p.Languages = append(p.Languages, lang)
			p.paths[lang] = filepath.Join(langDir, name)
		}
	}

	for _, p := range c.problems {
		sort.Strings(p.Languages)
	}
	logger.Infof("problems: indexed %d problems from %s", len(c.problems), dir)
	return c, nil
}

// loadCurated reads the allow-list file, falling back to the hardcoded set.
func loadCurated(dir string, logger *logrus.Logger) map[string]bool {
	f, err := os.Open(filepath.Join(dir, "curated.txt"))
	if err != nil {
		return defaultCurated
	}
	defer f.Close()

	ids := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids[line] = true
		}
	}
	if len(ids) == 0 {
		return defaultCurated
	}
	logger.Infof("problems: curated list loaded with %d ids", len(ids))
	return ids
}

// titleFromSlug turns "two-sum" into "Two Sum".
func titleFromSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Metadata returns the problem's metadata without content.
func (c *Catalog) Metadata(id string) (*Problem, bool) {
	p, ok := c.problems[id]
	return p, ok
}

// ProblemTitle satisfies the lobby package's catalog collaborator interface.
func (c *Catalog) ProblemTitle(id string) (string, bool) {
	p, ok := c.problems[id]
	if !ok {
		return "", false
	}
	return p.Title, true
}

// Content lazily loads the canonical reference text for one language.
func (c *Catalog) Content(id, language string) (string, bool) {
	p, ok := c.problems[id]
	if !ok {
		return "", false
	}
	path, ok := p.paths[language]
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warnf("problems: failed to read %s: %v", path, err)
		return "", false
	}
	return string(data), true
}

// All returns every indexed problem, ordered by id.
func (c *Catalog) All() []*Problem {
	out := make([]*Problem, 0, len(c.problems))
	for _, p := range c.problems {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
