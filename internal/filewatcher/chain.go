package filewatcher

import "fmt"

// kind classifies a node of the watched chain.
type kind uint8

const (
	// kindRegular is the leaf, present and a plain file.
	kindRegular kind = iota + 1
	// kindMissingRegular is the leaf position with nothing, or something
	// that is not a plain file, there.
	kindMissingRegular
	// kindSymlink is a symlink; the chain continues at its target.
	kindSymlink
	// kindDirectory is an intermediate directory; the chain continues at
	// a child.
	kindDirectory
	// kindMissingDirectory is an intermediate position with nothing, or
	// something that is not a directory, there.
	kindMissingDirectory
)

func (k kind) String() string {
	switch k {
	case kindRegular:
		return "regular"
	case kindMissingRegular:
		return "missing_regular"
	case kindSymlink:
		return "symlink"
	case kindDirectory:
		return "directory"
	case kindMissingDirectory:
		return "missing_directory"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// common is one node of the chain of entries that lead from the root to the
// watched file. Neighbours are referenced by path and looked up in
// paths.paths; an empty prev marks the first node and an empty next the last.
type common struct {
	path        string
	dirFileName dirFileName
	prev        string
	next        string
	// index orders nodes along the chain. When several re-walks are
	// requested, the one with the lowest index wins.
	index uint32
	// pathRest holds the components that were still to be walked when this
	// node was created.
	pathRest []string
}

// processPathArgs returns the arguments that re-walk the chain starting at
// this node.
func (c *common) processPathArgs() processPathArgs {
	rest := make([]string, 0, len(c.pathRest)+1)
	rest = append(rest, c.dirFileName.fileName)
	rest = append(rest, c.pathRest...)
	return processPathArgs{
		path:     c.dirFileName.directory,
		pathRest: rest,
		index:    c.index,
		prev:     c.prev,
	}
}

// isLeaf reports whether the node is the last component of the walk. The
// leaf is always expected to be a regular file.
func (c *common) isLeaf() bool {
	return len(c.pathRest) == 0
}

// watchedFile is a chain node together with its classification.
type watchedFile struct {
	kind kind
	common
}

// commonGenerator pops components off a walk's queue and produces one
// common per component. For /h-o/peers it yields /h-o and then /h-o/peers.
type commonGenerator struct {
	// prev is the node the next generated common links back to.
	prev string
	// oldPrev is the value prev had before the last generated common. After
	// following a symlink whose node already existed, prev is reverted to it
	// so that the target's first new node links back to the symlink.
	//
	// Watching /a/b/c with c -> /a/x/c yields the chain /a, /a/b, /a/b/c,
	// /a/x, /a/x/c.
	oldPrev  string
	path     string
	index    uint32
	pathRest []string
}

func newCommonGenerator(args processPathArgs) *commonGenerator {
	return &commonGenerator{
		prev:     args.prev,
		path:     args.path,
		index:    args.index,
		pathRest: append([]string(nil), args.pathRest...),
	}
}

// next returns a common for the next component, or false when the queue is
// empty.
func (g *commonGenerator) next() (common, bool) {
	if len(g.pathRest) == 0 {
		return common{}, false
	}
	component := g.pathRest[0]
	g.pathRest = g.pathRest[1:]

	g.path = joinRest(g.path, []string{component})
	dfn, _ := splitPath(g.path)

	prev := g.prev
	g.oldPrev = g.prev
	g.prev = g.path

	index := g.index
	g.index++
	return common{
		path:        g.path,
		dirFileName: dfn,
		prev:        prev,
		index:       index,
		pathRest:    append([]string(nil), g.pathRest...),
	}, true
}

func (g *commonGenerator) revertPrevious() {
	g.prev = g.oldPrev
}

func (g *commonGenerator) setPath(p string) {
	g.path = p
}

func (g *commonGenerator) prependToPathRest(rest []string) {
	merged := make([]string, 0, len(rest)+len(g.pathRest))
	merged = append(merged, rest...)
	merged = append(merged, g.pathRest...)
	g.pathRest = merged
}
