package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dirFileName is a path split into its parent directory and base name. OS
// watches always target directory.
type dirFileName struct {
	directory string
	fileName  string
}

// splitPath separates the dirname from the basename. It reports false for
// the filesystem root, which has no parent.
func splitPath(p string) (dirFileName, bool) {
	dir, file := filepath.Split(p)
	if file == "" {
		return dirFileName{}, false
	}
	return dirFileName{directory: filepath.Clean(dir), fileName: file}, true
}

func (d dirFileName) asPath() string {
	return filepath.Join(d.directory, d.fileName)
}

// simplifyAbsPath collapses "." and ".." lexically, the way a shell's cd
// does, without resolving symlinks. With "baz -> foo/bar", "baz/.." is the
// directory containing baz, not foo. Loop detection compares the results
// syntactically, so this must stay lexical.
func simplifyAbsPath(p string) string {
	return filepath.Clean(p)
}

// processPathArgs describes where a walk starts.
type processPathArgs struct {
	// path is where the walk begins; the root for a fresh walk, or the
	// directory of the node a walk resumes from.
	path string
	// pathRest holds the components still to be walked below path.
	pathRest []string
	// index is the chain position of the first node the walk creates.
	index uint32
	// prev is the chain node preceding the first node the walk creates.
	prev string
}

// pathForProcessing splits a simplified absolute path into its root (volume
// name plus separator) and the remaining components.
func pathForProcessing(p string) processPathArgs {
	vol := filepath.VolumeName(p)
	root := vol + string(filepath.Separator)
	var rest []string
	for _, c := range strings.Split(p[len(vol):], string(filepath.Separator)) {
		if c != "" {
			rest = append(rest, c)
		}
	}
	return processPathArgs{path: root, pathRest: rest}
}

// watcherPath turns p into a simplified absolute path and rejects the root.
func watcherPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("filewatcher: resolve working directory: %w", err)
		}
		p = filepath.Join(cwd, p)
	}
	simple := simplifyAbsPath(p)
	if _, ok := splitPath(simple); !ok {
		return "", fmt.Errorf("filewatcher: %q: %w", p, ErrFileIsRoot)
	}
	return simple, nil
}

// joinRest appends components to base.
func joinRest(base string, rest []string) string {
	if len(rest) == 0 {
		return base
	}
	return filepath.Join(append([]string{base}, rest...)...)
}
