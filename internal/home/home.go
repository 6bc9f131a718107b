package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDirName is the default name for the docnav home directory.
	DefaultDirName = ".docnav"

	// RunsDirName holds run snapshots and results, one pair per document.
	RunsDirName = "runs"

	// PromptsDirName holds prompt template overrides.
	PromptsDirName = "prompts"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the docnav home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.docnav).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// PromptsDir returns the directory searched for prompt overrides.
func (d *Dir) PromptsDir() string {
	return filepath.Join(d.path, PromptsDirName)
}

// RunsDir returns the directory for run snapshots and results.
func (d *Dir) RunsDir() string {
	return filepath.Join(d.path, RunsDirName)
}

// SnapshotPath returns where the snapshot of a document's run is kept.
func (d *Dir) SnapshotPath(pdfPath string) string {
	return filepath.Join(d.RunsDir(), docName(pdfPath)+".snapshot.json")
}

// ResultPath returns where the processed document of a run is kept.
func (d *Dir) ResultPath(pdfPath string) string {
	return filepath.Join(d.RunsDir(), docName(pdfPath)+".result.json")
}

// ExportsDir returns the directory for exported, linked PDFs.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// ExportPath returns the default output path of a linked PDF.
func (d *Dir) ExportPath(pdfPath string) string {
	return filepath.Join(d.ExportsDir(), docName(pdfPath)+".linked.pdf")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.RunsDir(), d.PromptsDir(), d.ExportsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// docName is the file name of a PDF without its extension.
func docName(pdfPath string) string {
	base := filepath.Base(pdfPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
