package library

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"jclipper/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Suppress logs during tests
	}))
}

func testConfig(root string) *config.LibraryConfig {
	return &config.LibraryConfig{
		Root:            root,
		VideoExtensions: []string{"mp4", "mkv", "avi"},
		DefaultLanguage: "en",
	}
}

func writeFiles(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}
}

func scanTree(t *testing.T, root string) *Tree {
	t.Helper()
	lib := New(testConfig(root), testLogger())
	if err := lib.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
	return lib.Tree()
}

func TestScanAttachesMatchingSubtitle(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "Alien (1979)/Alien.mkv", "Alien (1979)/Alien.en.srt")

	tree := scanTree(t, root)
	if len(tree.Movies) != 1 {
		t.Fatalf("Expected 1 movie, got %d", len(tree.Movies))
	}

	movie := tree.Movies[0]
	if movie.Name != "Alien (1979)" {
		t.Errorf("Expected directory name as movie name, got %q", movie.Name)
	}
	if !movie.SubtitleAvailable() {
		t.Fatal("Expected subtitle to be attached")
	}
	if movie.SubtitleLang != "en" {
		t.Errorf("Expected language tag en, got %q", movie.SubtitleLang)
	}
}

func TestScanMarksMissingSubtitle(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "Movie/Movie.mkv")

	tree := scanTree(t, root)
	if len(tree.Movies) != 1 {
		t.Fatalf("Item without subtitle must still be listed, got %d movies", len(tree.Movies))
	}
	if tree.Movies[0].SubtitleAvailable() {
		t.Error("Expected subtitle to be unavailable")
	}
}

func TestScanPrefersDefaultLanguage(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"Movie/Movie.mkv",
		"Movie/Movie.en.srt",
		"Movie/Movie.fr.srt",
	)

	tree := scanTree(t, root)
	movie := tree.Movies[0]
	if movie.SubtitleLang != "en" {
		t.Errorf("Expected configured default en to win, got %q", movie.SubtitleLang)
	}
	if filepath.Base(movie.SubtitlePath) != "Movie.en.srt" {
		t.Errorf("Unexpected subtitle path %q", movie.SubtitlePath)
	}
}

func TestScanLongestMatchWins(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"Movie/Movie.mkv",
		"Movie/Movie.srt",
		"Movie/Movie.fr.srt",
	)

	tree := scanTree(t, root)
	if got := filepath.Base(tree.Movies[0].SubtitlePath); got != "Movie.fr.srt" {
		t.Errorf("Expected longest name match Movie.fr.srt, got %q", got)
	}
}

func TestScanClassifiesByDepth(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"Standalone.mp4",
		"Heat/Heat.mkv",
		"The Wire/Season 1/S01E01.mkv",
		"The Wire/Season 1/S01E02.mkv",
		"The Wire/Season 2/S02E01.mkv",
	)

	tree := scanTree(t, root)
	if len(tree.Movies) != 2 {
		t.Fatalf("Expected 2 movies, got %d", len(tree.Movies))
	}
	if len(tree.Shows) != 1 {
		t.Fatalf("Expected 1 show, got %d", len(tree.Shows))
	}

	show := tree.Shows[0]
	if show.Name != "The Wire" {
		t.Errorf("Expected show name The Wire, got %q", show.Name)
	}
	if len(show.Seasons) != 2 {
		t.Fatalf("Expected 2 seasons, got %d", len(show.Seasons))
	}
	if len(show.Seasons[0].Episodes) != 2 {
		t.Errorf("Expected 2 episodes in season 1, got %d", len(show.Seasons[0].Episodes))
	}

	ep := show.Seasons[0].Episodes[0]
	if ep.Kind != KindEpisode {
		t.Errorf("Expected episode kind, got %q", ep.Kind)
	}
	if ep.Show != "The Wire" || ep.Season != "Season 1" {
		t.Errorf("Episode hierarchy wrong: show=%q season=%q", ep.Show, ep.Season)
	}
}

func TestScanUnreadableRootFails(t *testing.T) {
	lib := New(testConfig(filepath.Join(t.TempDir(), "does-not-exist")), testLogger())

	err := lib.Rescan(context.Background())
	if err == nil {
		t.Fatal("Expected scan of missing root to fail")
	}

	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Errorf("Expected *ScanError, got %T", err)
	}
	if lib.Tree() != nil {
		t.Error("Failed scan must not install a tree")
	}
}

func TestItemIDsStableAcrossRescans(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "Movie/Movie.mkv")

	lib := New(testConfig(root), testLogger())
	if err := lib.Rescan(context.Background()); err != nil {
		t.Fatalf("First rescan failed: %v", err)
	}
	firstID := lib.Tree().Movies[0].ID

	if err := lib.Rescan(context.Background()); err != nil {
		t.Fatalf("Second rescan failed: %v", err)
	}
	if lib.Tree().Movies[0].ID != firstID {
		t.Error("Item ID changed between rescans")
	}

	if _, ok := lib.Item(firstID); !ok {
		t.Error("Item lookup by id failed")
	}
}

func TestRescanCancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "Movie/Movie.mkv")

	lib := New(testConfig(root), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := lib.Rescan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if lib.Tree() != nil {
		t.Error("Aborted scan must not install a tree")
	}

	if err := lib.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan after aborted scan failed: %v", err)
	}
	if lib.Tree() == nil {
		t.Error("Expected tree after successful rescan")
	}
}

func TestScanIgnoresUnknownExtensions(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "Movie/Movie.mkv", "Movie/cover.jpg", "Movie/notes.txt")

	tree := scanTree(t, root)
	if tree.Items() != 1 {
		t.Errorf("Expected 1 media item, got %d", tree.Items())
	}
}
