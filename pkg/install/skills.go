package install

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// ErrGlobUnsupported is returned for patterns against a base that cannot be
// listed.
var ErrGlobUnsupported = errors.New("glob patterns need a local or GitHub base")

// SkillFile is one concrete file of a skill.
type SkillFile struct {
	Location string
	// Rel is the slash separated path inside the skill directory.
	Rel string
}

// SkillExpander expands skill file patterns into concrete files.
type SkillExpander struct {
	fs     afero.Fs
	lister TreeLister
}

// NewSkillExpander creates an expander. lister may be nil when no GitHub
// bases are used.
func NewSkillExpander(fs afero.Fs, lister TreeLister) *SkillExpander {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &SkillExpander{fs: fs, lister: lister}
}

// Expand returns the files of skill, sorted by Rel. Literal file names are
// kept as is; patterns are matched against a listing of the base.
func (e *SkillExpander) Expand(ctx context.Context, skill config.Skill) ([]SkillFile, error) {
	base := skill.BaseURL
	seen := map[string]bool{}
	var out []SkillFile

	for _, raw := range skill.Files {
		pattern := strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(raw)), "./")
		if pattern == "" {
			continue
		}
		if escapes(pattern) {
			return nil, fmt.Errorf("pattern %q leaves the skill directory", raw)
		}

		var files []SkillFile
		if !hasMeta(pattern) {
			files = []SkillFile{{Location: joinRel(base, pattern), Rel: pattern}}
		} else {
			matched, err := e.match(ctx, base, pattern)
			if err != nil {
				return nil, err
			}
			if len(matched) == 0 {
				logger.FromContext(ctx).Warn("skill pattern matched nothing", "skill", skill.Name, "pattern", pattern)
			}
			files = matched
		}

		for _, f := range files {
			if !seen[f.Rel] {
				seen[f.Rel] = true
				out = append(out, f)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, nil
}

func (e *SkillExpander) match(ctx context.Context, base, pattern string) ([]SkillFile, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	if !source.IsURL(base) {
		fsys := afero.NewIOFS(afero.NewBasePathFs(e.fs, base))
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %s in %s: %w", pattern, base, err)
		}
		files := make([]SkillFile, 0, len(matches))
		for _, m := range matches {
			files = append(files, SkillFile{Location: filepath.Join(base, filepath.FromSlash(m)), Rel: m})
		}
		return files, nil
	}

	repo, ok := ParseGitHubRaw(base)
	if !ok || e.lister == nil {
		return nil, fmt.Errorf("%s: %w", base, ErrGlobUnsupported)
	}
	paths, err := e.lister.ListTree(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", base, err)
	}

	var files []SkillFile
	for _, p := range paths {
		rel := strings.TrimPrefix(p, repo.Dir)
		if repo.Dir != "" && rel == p {
			continue
		}
		rel = strings.TrimPrefix(rel, "/")
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return nil, err
		}
		if ok {
			files = append(files, SkillFile{Location: joinRel(base, rel), Rel: rel})
		}
	}
	return files, nil
}

// joinRel joins a slash separated relative path to a base, escaping it for
// URL bases.
func joinRel(base, rel string) string {
	if source.IsURL(base) {
		return source.Join(base, (&url.URL{Path: rel}).EscapedPath())
	}
	return source.Join(base, rel)
}

func escapes(pattern string) bool {
	if strings.HasPrefix(pattern, "/") {
		return true
	}
	for _, seg := range strings.Split(path.Clean(pattern), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
