package filewatcher

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
)

func TestSimplifyAbsPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	tests := []struct {
		in, want string
	}{
		{"/a/b/c", "/a/b/c"},
		{"/a/./b", "/a/b"},
		{"/a/b/../c", "/a/c"},
		{"/a/b/../../..", "/"},
		{"/../a", "/a"},
		{"/a//b/", "/a/b"},
		// Lexical, even when baz is a symlink.
		{"/x/baz/..", "/x"},
	}
	for _, tt := range tests {
		if got := simplifyAbsPath(tt.in); got != tt.want {
			t.Errorf("simplifyAbsPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimplifyAbsPath_Idempotent(t *testing.T) {
	f := gofakeit.New(42)
	for i := 0; i < 500; i++ {
		n := f.IntRange(1, 8)
		parts := make([]string, n)
		for j := range parts {
			parts[j] = f.RandomString([]string{".", "..", "", f.Word(), f.Word() + "." + f.FileExtension()})
		}
		p := string(filepath.Separator) + strings.Join(parts, string(filepath.Separator))

		once := simplifyAbsPath(p)
		if twice := simplifyAbsPath(once); twice != once {
			t.Fatalf("simplifyAbsPath not idempotent for %q: %q then %q", p, once, twice)
		}
		for _, c := range strings.Split(once, string(filepath.Separator)) {
			if c == "." || c == ".." {
				t.Fatalf("simplifyAbsPath(%q) = %q still has %q", p, once, c)
			}
		}
	}
}

func TestSplitPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	if _, ok := splitPath("/"); ok {
		t.Error(`splitPath("/") reported a parent`)
	}

	dfn, ok := splitPath("/a")
	if !ok || dfn.directory != "/" || dfn.fileName != "a" {
		t.Errorf(`splitPath("/a") = %+v, %v`, dfn, ok)
	}

	dfn, ok = splitPath("/h-o/peers")
	if !ok || dfn.directory != "/h-o" || dfn.fileName != "peers" {
		t.Errorf(`splitPath("/h-o/peers") = %+v, %v`, dfn, ok)
	}
	if got := dfn.asPath(); got != "/h-o/peers" {
		t.Errorf("asPath = %q", got)
	}
}

func TestPathForProcessing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	args := pathForProcessing("/habitat-operator/peers")
	if args.path != "/" {
		t.Errorf("path = %q, want /", args.path)
	}
	if len(args.pathRest) != 2 || args.pathRest[0] != "habitat-operator" || args.pathRest[1] != "peers" {
		t.Errorf("pathRest = %q", args.pathRest)
	}
	if args.index != 0 || args.prev != "" {
		t.Errorf("index = %d, prev = %q", args.index, args.prev)
	}
}

func TestWatcherPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	for _, p := range []string{"/", "/..", "/a/.."} {
		if _, err := watcherPath(p); !errors.Is(err, ErrFileIsRoot) {
			t.Errorf("watcherPath(%q) = %v, want ErrFileIsRoot", p, err)
		}
	}

	got, err := watcherPath("/a/./b/../c")
	if err != nil {
		t.Fatalf("watcherPath: %v", err)
	}
	if got != "/a/c" {
		t.Errorf("watcherPath = %q, want /a/c", got)
	}

	rel, err := watcherPath("some/file")
	if err != nil {
		t.Fatalf("watcherPath(relative): %v", err)
	}
	if !filepath.IsAbs(rel) || !strings.HasSuffix(rel, filepath.Join("some", "file")) {
		t.Errorf("watcherPath(relative) = %q", rel)
	}
}

func TestCommonGenerator_RevertLinksSymlinkToNextNewNode(t *testing.T) {
	gen := newCommonGenerator(processPathArgs{path: "/", pathRest: []string{"a", "b"}})

	a, _ := gen.next()
	if a.path != "/a" || a.prev != "" || a.index != 0 {
		t.Fatalf("first common = %+v", a)
	}
	s, _ := gen.next()
	if s.path != "/a/b" || s.prev != "/a" || s.index != 1 || !s.isLeaf() {
		t.Fatalf("second common = %+v", s)
	}

	// /a/b is a symlink to /a/x; /a already exists.
	gen.setPath("/")
	gen.prependToPathRest([]string{"a", "x"})
	again, _ := gen.next()
	if again.path != "/a" || again.prev != "/a/b" {
		t.Fatalf("re-generated /a = %+v", again)
	}
	gen.revertPrevious()

	x, _ := gen.next()
	if x.path != "/a/x" || x.prev != "/a/b" {
		t.Errorf("target common = %+v, want prev /a/b", x)
	}
	if _, ok := gen.next(); ok {
		t.Error("generator should be exhausted")
	}
}

func TestCommon_ProcessPathArgs(t *testing.T) {
	c := common{
		path:        "/a/b",
		dirFileName: dirFileName{directory: "/a", fileName: "b"},
		prev:        "/a",
		index:       3,
		pathRest:    []string{"c"},
	}
	args := c.processPathArgs()
	if args.path != "/a" || args.index != 3 || args.prev != "/a" {
		t.Errorf("args = %+v", args)
	}
	if len(args.pathRest) != 2 || args.pathRest[0] != "b" || args.pathRest[1] != "c" {
		t.Errorf("pathRest = %q", args.pathRest)
	}
}
