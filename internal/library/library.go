// Package library indexes a media tree on disk and associates each media
// file with its best-matching subtitle track.
//
// The tree on disk is the source of truth: there is no catalog database.
// Each scan rebuilds the whole tree and swaps it in atomically, so readers
// never observe a half-built library.
package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jclipper/pkg/config"
)

// Kind classifies a media item by its position in the tree.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
)

// Item is one playable media file, with its matched subtitle track if any.
// SubtitlePath is empty if and only if no candidate subtitle file matched
// during indexing; the item is still listed so callers can see what is
// missing.
type Item struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Extension    string `json:"extension"`
	Kind         Kind   `json:"kind"`
	SubtitlePath string `json:"-"`
	SubtitleLang string `json:"subtitle_lang,omitempty"`
	HasSubtitle  bool   `json:"subtitle_available"`
	Show         string `json:"show,omitempty"`
	Season       string `json:"season,omitempty"`
}

// SubtitleAvailable reports whether a subtitle track was matched.
func (i *Item) SubtitleAvailable() bool {
	return i.SubtitlePath != ""
}

// Season groups the episodes of one season of a show.
type Season struct {
	Name     string  `json:"name"`
	Episodes []*Item `json:"episodes"`
}

// Show owns its seasons, which own their episodes. Ownership is exclusive
// and tree-shaped.
type Show struct {
	Name    string    `json:"name"`
	Seasons []*Season `json:"seasons"`
}

// Tree is one complete, immutable snapshot of the indexed library.
type Tree struct {
	Movies    []*Item   `json:"movies"`
	Shows     []*Show   `json:"shows"`
	ScannedAt time.Time `json:"scanned_at"`

	items map[string]*Item
}

// Items returns the total number of media items in the tree.
func (t *Tree) Items() int {
	return len(t.items)
}

// Item looks up a media item by its stable identifier.
func (t *Tree) Item(id string) (*Item, bool) {
	item, ok := t.items[id]
	return item, ok
}

// ScanError reports a scan that could not produce a tree at all, as opposed
// to per-item problems which are recovered locally.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("library scan of %s failed: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// ErrScanInProgress is returned when a rescan is requested while another
// scan is still running. Scans mutate the shared tree and are never run in
// parallel.
var ErrScanInProgress = errors.New("library scan already in progress")

// Library is the lifecycle-managed holder of the current media tree.
type Library struct {
	config *config.LibraryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	tree     *Tree
	scanning bool
}

// New creates a library for the configured media root. No scan is performed
// until Rescan is called.
func New(cfg *config.LibraryConfig, logger *slog.Logger) *Library {
	return &Library{
		config: cfg,
		logger: logger,
	}
}

// Tree returns the current snapshot, or nil if no scan has succeeded yet.
func (l *Library) Tree() *Tree {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree
}

// Item looks up a media item by id in the current snapshot.
func (l *Library) Item(id string) (*Item, bool) {
	tree := l.Tree()
	if tree == nil {
		return nil, false
	}
	return tree.Item(id)
}

// Rescan walks the media root and swaps in a fresh tree. A concurrent
// rescan request is rejected with ErrScanInProgress rather than run in
// parallel. Cancelling the context aborts the walk between entries. On
// failure the previous tree is retained.
func (l *Library) Rescan(ctx context.Context) error {
	l.mu.Lock()
	if l.scanning {
		l.mu.Unlock()
		return ErrScanInProgress
	}
	l.scanning = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.scanning = false
		l.mu.Unlock()
	}()

	start := time.Now()
	tree, err := scan(ctx, l.config)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.tree = tree
	l.mu.Unlock()

	if l.config.ScanLog {
		movies := len(tree.Movies)
		l.logger.Info("Library scan complete",
			"root", l.config.Root,
			"movies", movies,
			"shows", len(tree.Shows),
			"items", tree.Items(),
			"duration", time.Since(start))
	}

	return nil
}

// scan walks the root and builds a complete tree. Directory depth below the
// root determines classification: two or more enclosing directories means
// Episode under Season under Show; zero or one means a standalone Movie.
func scan(ctx context.Context, cfg *config.LibraryConfig) (*Tree, error) {
	root := cfg.Root
	exts := cfg.NormalizedExtensions()

	tree := &Tree{
		ScannedAt: time.Now(),
		items:     make(map[string]*Item),
	}
	shows := make(map[string]*Show)
	seasons := make(map[string]*Season)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				// Unreadable root is fatal to the scan.
				return err
			}
			// Unreadable subtree: skip it, keep the rest of the scan alive.
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if !exts[ext] {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		item := buildItem(root, rel, path, ext, cfg.DefaultLanguage)
		tree.items[item.ID] = item

		if item.Kind == KindMovie {
			tree.Movies = append(tree.Movies, item)
			return nil
		}

		show, ok := shows[item.Show]
		if !ok {
			show = &Show{Name: item.Show}
			shows[item.Show] = show
			tree.Shows = append(tree.Shows, show)
		}

		seasonKey := item.Show + "/" + item.Season
		season, ok := seasons[seasonKey]
		if !ok {
			season = &Season{Name: item.Season}
			seasons[seasonKey] = season
			show.Seasons = append(show.Seasons, season)
		}
		season.Episodes = append(season.Episodes, item)

		return nil
	})
	if err != nil {
		return nil, &ScanError{Root: root, Err: err}
	}

	sortTree(tree)
	return tree, nil
}

// buildItem creates a media item for one file, classifying it by depth and
// matching its subtitle track.
func buildItem(root, rel, path, ext, defaultLang string) *Item {
	parts := strings.Split(rel, string(filepath.Separator))
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	item := &Item{
		ID:        itemID(rel),
		Path:      path,
		Extension: ext,
	}

	if len(parts) >= 3 {
		item.Kind = KindEpisode
		item.Show = parts[0]
		item.Season = parts[1]
		item.Name = base
	} else {
		item.Kind = KindMovie
		if len(parts) == 2 {
			// A movie in its own directory takes the directory's name.
			item.Name = parts[0]
		} else {
			item.Name = base
		}
	}

	subPath, lang := matchSubtitle(filepath.Dir(path), base, defaultLang)
	item.SubtitlePath = subPath
	item.SubtitleLang = lang
	item.HasSubtitle = subPath != ""

	return item
}

// itemID derives a stable identifier from the item's path relative to the
// root, so ids survive rescans.
func itemID(rel string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(rel)))
	return hex.EncodeToString(sum[:8])
}

// matchSubtitle searches dir for a subtitle file named base.srt or
// base.<tag>.srt. The longest exact name match wins; ties prefer the
// configured default language tag, then lexicographic order for
// determinism. Returns empty strings when nothing matches.
func matchSubtitle(dir, base, defaultLang string) (string, string) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.srt"))
	if err != nil {
		return "", ""
	}

	type candidate struct {
		path string
		name string
		tag  string
	}
	var candidates []candidate

	for _, entry := range entries {
		name := strings.TrimSuffix(filepath.Base(entry), filepath.Ext(entry))
		lower := strings.ToLower(name)
		lowerBase := strings.ToLower(base)

		if lower == lowerBase {
			candidates = append(candidates, candidate{path: entry, name: name})
			continue
		}
		if strings.HasPrefix(lower, lowerBase+".") {
			tag := lower[len(lowerBase)+1:]
			if isLanguageTag(tag) {
				candidates = append(candidates, candidate{path: entry, name: name, tag: tag})
			}
		}
	}

	if len(candidates) == 0 {
		return "", ""
	}

	lang := strings.ToLower(defaultLang)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.name) != len(b.name) {
			return len(a.name) > len(b.name)
		}
		if (a.tag == lang) != (b.tag == lang) {
			return a.tag == lang
		}
		return a.name < b.name
	})

	return candidates[0].path, candidates[0].tag
}

// isLanguageTag reports whether s looks like a 2 or 3 letter language tag.
func isLanguageTag(s string) bool {
	if len(s) < 2 || len(s) > 3 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// sortTree orders movies, shows, seasons and episodes by name so scan
// output is stable across filesystems.
func sortTree(tree *Tree) {
	sort.Slice(tree.Movies, func(i, j int) bool { return tree.Movies[i].Name < tree.Movies[j].Name })
	sort.Slice(tree.Shows, func(i, j int) bool { return tree.Shows[i].Name < tree.Shows[j].Name })
	for _, show := range tree.Shows {
		sort.Slice(show.Seasons, func(i, j int) bool { return show.Seasons[i].Name < show.Seasons[j].Name })
		for _, season := range show.Seasons {
			sort.Slice(season.Episodes, func(i, j int) bool { return season.Episodes[i].Name < season.Episodes[j].Name })
		}
	}
}
