// Package ignore implements a pure predicate over a SyncDirectory's
// aggregate .gitignore rules.
//
// One compiled Gitignore is kept per directory that contains a .gitignore
// file; testing a path checks the rules of each ancestor directory and of
// the root. A path is ignored as soon as any one of those files matches it:
// negation ("!pattern") takes effect only within the file that declares it,
// so a deeper .gitignore cannot un-ignore a path a shallower one ignores.
// Pattern compilation is delegated to sabhiram/go-gitignore.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Filter answers is_ignored for a single SyncDirectory root. It is safe for
// concurrent use; the Orchestrator calls LoadFromDisk whenever the Watcher
// Adapter reports a change to a .gitignore file itself.
type Filter struct {
	mu sync.RWMutex
	// byDir maps a directory's path relative to the sync root (""  for the
	// root itself) to the compiled patterns declared in that directory's
	// .gitignore.
	byDir map[string]*gitignore.GitIgnore
}

// New returns an empty Filter with no rules loaded.
func New() *Filter {
	return &Filter{byDir: make(map[string]*gitignore.GitIgnore)}
}

// LoadLines compiles raw .gitignore lines into a matcher. It does not
// register anything; pass the result to SetDir for the directory the lines
// belong to.
func LoadLines(lines []string) *gitignore.GitIgnore {
	return gitignore.CompileIgnoreLines(lines...)
}

// SetDir registers or replaces the compiled ignore rules for dirRelPath.
func (f *Filter) SetDir(dirRelPath string, gi *gitignore.GitIgnore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDir[normalizeDir(dirRelPath)] = gi
}

// RemoveDir drops the ignore rules previously registered for dirRelPath,
// used when a .gitignore file itself is deleted.
func (f *Filter) RemoveDir(dirRelPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byDir, normalizeDir(dirRelPath))
}

// LoadFromDisk reads dirRelPath/.gitignore under rootAbsPath, if present,
// and registers it. It returns (false, nil) when no .gitignore exists there.
func (f *Filter) LoadFromDisk(rootAbsPath, dirRelPath string) (bool, error) {
	giPath := path.Join(rootAbsPath, dirRelPath, ".gitignore")
	file, err := os.Open(giPath)
	if os.IsNotExist(err) {
		f.RemoveDir(dirRelPath)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", giPath, err)
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("read %s: %w", giPath, err)
	}

	f.SetDir(dirRelPath, gitignore.CompileIgnoreLines(lines...))
	return true, nil
}

// IsIgnored reports whether relPath (slash-separated, relative to the sync
// root) should be excluded from sync. It reports true if the .gitignore of
// any ancestor directory (relPath's own parent included) or of the root
// matches relPath; a negation in one file does not override a match in
// another. isDir tells whether relPath itself names a directory, since
// gitignore directory-only patterns (a trailing "/") only match
// directories.
func (f *Filter) IsIgnored(relPath string, isDir bool) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.byDir) == 0 {
		return false
	}

	parts := strings.Split(relPath, "/")
	current := ""
	for i := 0; i < len(parts)-1; i++ {
		if current == "" {
			current = parts[i]
		} else {
			current = current + "/" + parts[i]
		}
		if gi, ok := f.byDir[normalizeDir(current)]; ok && gi.MatchesPath(relPath) {
			return true
		}
	}

	if gi, ok := f.byDir[""]; ok && gi.MatchesPath(relPath) {
		return true
	}

	return false
}

func normalizeDir(dirRelPath string) string {
	return strings.Trim(dirRelPath, "/")
}
