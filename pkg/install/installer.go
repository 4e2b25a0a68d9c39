package install

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/CliForge/envforge/pkg/batch"
	"github.com/spf13/afero"
)

// Written records one materialized resource.
type Written struct {
	Item Item
	Path string
}

// Installer writes fetched resources under the config root.
type Installer struct {
	fs   afero.Fs
	root string
}

// NewInstaller creates an installer writing below root.
func NewInstaller(fs afero.Fs, root string) *Installer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Installer{fs: fs, root: root}
}

// Root returns the config root.
func (i *Installer) Root() string {
	return i.root
}

// Write stores body for item. Hook scripts are made executable.
func (i *Installer) Write(item Item, body []byte) (string, error) {
	if escapes(item.Dest) {
		return "", fmt.Errorf("destination %q leaves the config root", item.Dest)
	}
	dest := DestPath(i.root, item.Dest)
	if err := i.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	mode := os.FileMode(0o644)
	if item.Kind == KindHook || item.Kind == KindStatusLine {
		mode = 0o755
	}
	if err := afero.WriteFile(i.fs, dest, body, mode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, nil
}

// Materialize writes every successful result of report. items and
// report.Items share indexes. Write failures are returned per item.
func (i *Installer) Materialize(items []Item, report batch.Report) ([]Written, map[int]error) {
	var written []Written
	failures := map[int]error{}
	for idx, res := range report.Items {
		if idx >= len(items) || !res.Result.OK() {
			continue
		}
		p, err := i.Write(items[idx], res.Result.Body)
		if err != nil {
			failures[idx] = err
			continue
		}
		written = append(written, Written{Item: items[idx], Path: p})
	}
	return written, failures
}

// HookIndex maps the names a document may use for installed hook files
// (base name and hooks/<name>) to their absolute paths.
func HookIndex(written []Written) map[string]string {
	idx := map[string]string{}
	for _, w := range written {
		if w.Item.Kind != KindHook && w.Item.Kind != KindStatusLine {
			continue
		}
		name := path.Base(w.Item.Dest)
		idx[name] = w.Path
		idx["hooks/"+name] = w.Path
		idx["./hooks/"+name] = w.Path
	}
	return idx
}
