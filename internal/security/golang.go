package security

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

var goImports = []string{
	"os/exec", "os/signal", "os/user", "syscall", "unsafe", "net", "plugin",
	"runtime/cgo", "runtime/debug", "C", "io/ioutil", "io/fs", "golang.org/x/sys",
}

// goOSCalls are the members of package os that touch the host. Plain
// os.Args, os.Exit and the standard streams stay allowed.
var goOSCalls = []string{
	"Remove", "RemoveAll", "Create", "Open", "OpenFile", "ReadFile", "WriteFile",
	"Rename", "Mkdir", "MkdirAll", "MkdirTemp", "CreateTemp", "Chdir", "Chmod",
	"Chown", "Setenv", "Unsetenv", "Getenv", "Environ", "LookupEnv", "StartProcess",
	"FindProcess", "Symlink", "Link", "Truncate", "ReadDir", "DirFS", "Hostname",
}

func goRules() *ruleSet {
	calls := make([]string, len(goOSCalls))
	for i, c := range goOSCalls {
		calls[i] = "os." + c
	}
	return &ruleSet{
		walk:      walkGo,
		modules:   mapset.NewSet(goImports...),
		calls:     mapset.NewSet(calls...),
		attrs:     mapset.NewSet[string](),
		moduleSep: "/",
		patterns: []pattern{
			{regexp.MustCompile(`"(os/exec|syscall|unsafe|plugin|os/signal|runtime/cgo)"`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`\bos\.(` + alternation(goOSCalls) + `)\s*\(`), `call to forbidden function "os.%s"`},
			{regexp.MustCompile(`//\s*go:(linkname|cgo_\w+)`), `use of forbidden directive "go:%s"`},
		},
	}
}

// walkGo parses with go/parser and resolves selector calls through the
// file's import aliases, so `x "os"; x.Remove(...)` is caught.
func walkGo(_ context.Context, src []byte, rs *ruleSet) ([]string, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", src, parser.ParseComments)
	if err != nil {
		return nil, false
	}

	var c collector
	aliases := make(map[string]string)
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		c.imports = append(c.imports, p)
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name != "_" && name != "." {
			aliases[name] = p
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if p, ok := aliases[pkg.Name]; ok {
			c.calls = append(c.calls, p+"."+sel.Sel.Name)
		}
		return true
	})
	return c.check(rs), true
}
