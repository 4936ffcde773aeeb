package filewatcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// maxSymlinkHops bounds the number of symlinks a single walk follows. It
// matches the kernel's MAXSYMLINKS and stops targets that keep growing, such
// as a -> a/x, which the loop catcher alone never sees repeat.
const maxSymlinkHops = 40

// paths is the watch state: the chain of nodes from the root to the watched
// file, the reference-counted set of directories the OS watches, and the
// bookkeeping for deferred re-walks.
type paths struct {
	logger *slog.Logger

	// paths maps each node's dirFileName.asPath() to the node.
	paths map[string]*watchedFile
	// dirs counts how many nodes need each directory watched. A symlink /a
	// pointing at /b yields two nodes but one watched directory, /, with a
	// count of two.
	dirs map[string]uint32
	// startPath is the path the watcher was created for.
	startPath string
	// symlinkLoopCatcher maps a symlink path to the merged target and rest
	// recorded the first time the symlink was followed.
	symlinkLoopCatcher map[string]string
	// realFile is the resolved regular file, empty when the chain does not
	// currently end in one.
	realFile string
	// pathsToSettle holds dropped paths whose removal notifications are
	// still expected.
	pathsToSettle map[string]struct{}
	// processArgsAfterSettle is the walk to run once pathsToSettle drains.
	processArgsAfterSettle *processPathArgs
}

func newPaths(startPath string, logger *slog.Logger) *paths {
	return &paths{
		logger:             logger,
		paths:              make(map[string]*watchedFile),
		dirs:               make(map[string]uint32),
		startPath:          startPath,
		symlinkLoopCatcher: make(map[string]string),
		pathsToSettle:      make(map[string]struct{}),
	}
}

// generateWatchPaths walks from startPath and returns the directories that
// need a new OS watch.
func (p *paths) generateWatchPaths() []string {
	return p.processPath(pathForProcessing(p.startPath))
}

// processPath walks args component by component, classifying each entry and
// extending the chain. It returns the directories that need a new OS watch.
func (p *paths) processPath(args processPathArgs) []string {
	gen := newCommonGenerator(args)
	var newWatches []string
	hops := 0

	p.realFile = ""

	for {
		c, ok := gen.next()
		if !ok {
			break
		}
		p.logger.Debug("filewatcher: walking",
			slog.String("path", c.path),
			slog.Any("path_rest", c.pathRest),
		)

		fi, err := os.Lstat(c.path)
		if err != nil {
			// Missing, or not accessible to us.
			newWatches = p.addLeaf(missingKind(&c), c, newWatches)
			break
		}

		if fi.Mode()&fs.ModeSymlink == 0 {
			if c.isLeaf() {
				k := kindMissingRegular
				if fi.Mode().IsRegular() {
					k = kindRegular
					p.realFile = c.path
				}
				newWatches = p.addLeaf(k, c, newWatches)
				break
			}
			if fi.IsDir() {
				newWatches = p.addBranch(gen, kindDirectory, c, newWatches)
				continue
			}
			// A file where a directory was expected: wait for the directory
			// to show up.
			newWatches = p.addLeaf(kindMissingDirectory, c, newWatches)
			break
		}

		target, err := os.Readlink(c.dirFileName.asPath())
		if err != nil {
			newWatches = p.addLeaf(missingKind(&c), c, newWatches)
			break
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(c.dirFileName.directory, target)
		}
		targetArgs := pathForProcessing(simplifyAbsPath(target))

		hops++
		if hops > maxSymlinkHops || p.symlinkLoop(c.path, c.pathRest, targetArgs) {
			// Nothing to watch until some symlink is rewired.
			p.logger.Debug("filewatcher: symlink loop", slog.String("path", c.path), slog.String("target", target))
			break
		}

		newWatches = p.addBranch(gen, kindSymlink, c, newWatches)
		gen.setPath(targetArgs.path)
		gen.prependToPathRest(targetArgs.pathRest)
	}

	return newWatches
}

func missingKind(c *common) kind {
	if c.isLeaf() {
		return kindMissingRegular
	}
	return kindMissingDirectory
}

// addLeaf adds a node that ends the walk.
func (p *paths) addLeaf(k kind, c common, newWatches []string) []string {
	key := c.dirFileName.asPath()
	if _, ok := p.paths[key]; ok {
		p.logger.Error("filewatcher: paths inconsistency in addLeaf, expect strange results",
			slog.String("path", key),
			slog.String("kind", k.String()),
		)
		return newWatches
	}
	return p.insert(k, c, newWatches)
}

// addBranch adds a directory or symlink node. A node that is already
// tracked, which happens when a symlink target joins the existing chain, is
// not added again; the generator then links the next new node back to the
// node generated before it.
func (p *paths) addBranch(gen *commonGenerator, k kind, c common, newWatches []string) []string {
	if _, ok := p.paths[c.path]; ok {
		gen.revertPrevious()
		return newWatches
	}
	return p.insert(k, c, newWatches)
}

func (p *paths) insert(k kind, c common, newWatches []string) []string {
	if p.addDir(c.dirFileName) {
		newWatches = append(newWatches, c.dirFileName.directory)
	}
	p.paths[c.dirFileName.asPath()] = &watchedFile{kind: k, common: c}
	p.setupChainLink(c.path, c.prev)
	return newWatches
}

// setupChainLink points prev's next at path.
func (p *paths) setupChainLink(path, prev string) {
	if prev == "" {
		return
	}
	wf, ok := p.paths[prev]
	if !ok {
		p.logger.Error("filewatcher: paths inconsistency in setupChainLink, expect strange results",
			slog.String("path", path),
			slog.String("prev", prev),
		)
		return
	}
	wf.next = path
}

// addDir bumps the reference count of the node's directory and reports
// whether the directory was not watched before.
func (p *paths) addDir(dfn dirFileName) bool {
	count, ok := p.dirs[dfn.directory]
	p.dirs[dfn.directory] = count + 1
	return !ok
}

// dropWatch removes the node at path and releases its directory. It returns
// the directory when its count dropped to zero and the OS watch must go.
func (p *paths) dropWatch(path string) (string, bool) {
	wf, ok := p.paths[path]
	if !ok {
		p.logger.Error("filewatcher: paths inconsistency in dropWatch, expect strange results",
			slog.String("path", path),
		)
		return "", false
	}
	delete(p.paths, path)
	delete(p.symlinkLoopCatcher, path)

	if prev, ok := p.paths[wf.prev]; ok && prev.next == path {
		prev.next = ""
	}
	if next, ok := p.paths[wf.next]; ok && next.prev == path {
		next.prev = ""
	}

	dir := wf.dirFileName.directory
	count, ok := p.dirs[dir]
	if !ok {
		p.logger.Error("filewatcher: dirs inconsistency in dropWatch, expect strange results",
			slog.String("path", path),
			slog.String("directory", dir),
		)
		return "", false
	}
	if count > 1 {
		p.dirs[dir] = count - 1
		return "", false
	}
	delete(p.dirs, dir)
	return dir, true
}

// symlinkLoop reports whether following the symlink at path to target
// resolves to the same place it resolved to the first time.
func (p *paths) symlinkLoop(path string, pathRest []string, target processPathArgs) bool {
	rest := make([]string, 0, len(target.pathRest)+len(pathRest))
	rest = append(rest, target.pathRest...)
	rest = append(rest, pathRest...)
	merged := joinRest(target.path, rest)

	if recorded, ok := p.symlinkLoopCatcher[path]; ok {
		return recorded == merged
	}
	p.symlinkLoopCatcher[path] = merged
	return false
}

// takeRealFile returns the resolved file and forgets it, so that a batch of
// drops reports the disappearance once.
func (p *paths) takeRealFile() string {
	rf := p.realFile
	p.realFile = ""
	return rf
}

func (p *paths) addPathToSettle(path string) {
	p.pathsToSettle[path] = struct{}{}
}

func (p *paths) settlePath(path string) {
	delete(p.pathsToSettle, path)
}

// setProcessArgs records a deferred walk. A walk closer to the root
// supersedes one scheduled deeper in the chain.
func (p *paths) setProcessArgs(args processPathArgs) {
	if p.processArgsAfterSettle == nil || args.index < p.processArgsAfterSettle.index {
		p.processArgsAfterSettle = &args
	}
}

// processPathOrDeferIfUnsettled runs the deferred walk when nothing is left
// to settle. It reports whether a walk was executed.
func (p *paths) processPathOrDeferIfUnsettled() ([]string, bool) {
	if p.processArgsAfterSettle == nil || len(p.pathsToSettle) > 0 {
		return nil, false
	}
	args := *p.processArgsAfterSettle
	p.processArgsAfterSettle = nil
	return p.processPath(args), true
}

// reset forgets all state except startPath and returns every watched
// directory.
func (p *paths) reset() []string {
	dirs := make([]string, 0, len(p.dirs))
	for dir := range p.dirs {
		dirs = append(dirs, dir)
	}
	clear(p.paths)
	clear(p.dirs)
	clear(p.pathsToSettle)
	clear(p.symlinkLoopCatcher)
	p.processArgsAfterSettle = nil
	p.realFile = ""
	return dirs
}

// watchedDirs returns a copy of the directory reference counts.
func (p *paths) watchedDirs() map[string]uint32 {
	out := make(map[string]uint32, len(p.dirs))
	for dir, n := range p.dirs {
		out[dir] = n
	}
	return out
}
