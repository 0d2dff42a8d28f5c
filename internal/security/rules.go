package security

import (
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

func alternation(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return strings.Join(quoted, "|")
}

var pythonModules = []string{
	"os", "subprocess", "socket", "shutil", "ctypes", "importlib", "multiprocessing",
	"threading", "_thread", "pty", "signal", "pickle", "marshal", "builtins", "inspect",
	"gc", "pathlib", "glob", "tempfile", "urllib", "http", "requests", "ftplib",
	"telnetlib", "smtplib", "asyncio", "code", "codeop", "runpy", "resource", "fcntl",
	"posix", "sysconfig", "webbrowser", "shelve", "sqlite3", "mmap", "select", "selectors",
	"io", "codecs",
}

var pythonCalls = []string{
	"eval", "exec", "compile", "__import__", "open", "globals", "locals", "vars",
	"getattr", "setattr", "delattr", "breakpoint", "memoryview",
}

var pythonAttrs = []string{
	"__subclasses__", "__globals__", "__builtins__", "__code__", "__bases__", "__base__",
	"__mro__", "__class__", "__dict__", "__getattribute__", "__loader__", "__spec__",
	"__closure__", "__import__", "sys.modules",
}

func pythonRules() *ruleSet {
	return &ruleSet{
		walk:      treeSitterWalk(python.GetLanguage, visitPython),
		modules:   mapset.NewSet(pythonModules...),
		calls:     mapset.NewSet(pythonCalls...),
		attrs:     mapset.NewSet(pythonAttrs...),
		moduleSep: ".",
		patterns: []pattern{
			{regexp.MustCompile(`(?m)^\s*import\s+(?:[\w.]+\s*(?:as\s+\w+)?\s*,\s*)*(` + alternation(pythonModules) + `)\b`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`(?m)^\s*from\s+(` + alternation(pythonModules) + `)\b[\w.]*\s+import\b`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`(?:^|[^.\w])(` + alternation(pythonCalls) + `)\s*\(`), `call to forbidden function "%s"`},
			{regexp.MustCompile(`(` + alternation(pythonAttrs) + `)`), `access to forbidden attribute "%s"`},
			{regexp.MustCompile(`\b(importlib)\b`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`\bsys\s*\.\s*(modules)\b`), `access to forbidden attribute "sys.%s"`},
			{regexp.MustCompile(`(?m)^\s*from\s+sys\s+import\b[^\n]*\b(modules)\b`), `access to forbidden attribute "sys.%s"`},
		},
	}
}

var jsModules = []string{
	"child_process", "fs", "net", "http", "https", "http2", "dgram", "cluster",
	"worker_threads", "vm", "os", "dns", "tls", "inspector", "v8", "module",
	"process", "repl", "readline/promises",
}

var jsCalls = []string{
	"eval", "Function", "require(dynamic)", "import(dynamic)",
	"process.binding", "process.dlopen", "process.kill",
	"fetch", "XMLHttpRequest", "WebSocket", "EventSource",
}

var jsAttrs = []string{
	"constructor", "__proto__", "binding", "dlopen", "mainModule", "getBuiltinModule",
	"_linkedBinding",
}

func javascriptRules() *ruleSet {
	return &ruleSet{
		walk:      treeSitterWalk(javascript.GetLanguage, visitJavaScript),
		modules:   mapset.NewSet(jsModules...),
		calls:     mapset.NewSet(jsCalls...),
		attrs:     mapset.NewSet(jsAttrs...),
		moduleSep: "/",
		patterns: []pattern{
			{regexp.MustCompile(`\b(?:require|import)\s*\(\s*['"` + "`" + `](?:node:)?(` + alternation(jsModules) + `)(?:/[\w/]*)?['"` + "`" + `]`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`\bfrom\s+['"](?:node:)?(` + alternation(jsModules) + `)(?:/[\w/]*)?['"]`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`(?:^|[^.\w$])(eval|Function)\s*\(`), `call to forbidden function "%s"`},
			{regexp.MustCompile(`\bprocess\s*\.\s*(binding|dlopen|kill|mainModule|_linkedBinding)\b`), `access to forbidden attribute "%s"`},
			{regexp.MustCompile(`(__proto__)`), `access to forbidden attribute "%s"`},
			{regexp.MustCompile(`(?:^|[^\w$])(fetch|XMLHttpRequest|WebSocket|EventSource)\b`), `call to forbidden function "%s"`},
			{regexp.MustCompile(`\.\s*(constructor)\b`), `access to forbidden attribute "%s"`},
		},
	}
}

var cHeaders = []string{
	"unistd.h", "sys/socket.h", "sys/wait.h", "sys/ptrace.h", "sys/mman.h", "sys/syscall.h",
	"sys/ioctl.h", "netinet/in.h", "arpa/inet.h", "netdb.h", "dlfcn.h", "fcntl.h",
	"spawn.h", "signal.h", "dirent.h", "pthread.h",
}

var cppHeaders = []string{"csignal", "filesystem", "fstream", "thread", "future"}

var cCalls = []string{
	"system", "fork", "vfork", "execl", "execlp", "execle", "execv", "execvp", "execve",
	"popen", "socket", "connect", "bind", "listen", "accept", "ptrace", "kill", "dlopen",
	"syscall", "remove", "unlink", "rename", "rmdir", "mkdir", "fopen", "freopen",
	"open", "creat", "chmod", "chdir", "mmap",
}

func cRules() *ruleSet {
	return nativeRules(c.GetLanguage, cHeaders)
}

func cppRules() *ruleSet {
	return nativeRules(cpp.GetLanguage, append(append([]string{}, cHeaders...), cppHeaders...))
}

func nativeRules(lang func() *sitter.Language, headers []string) *ruleSet {
	return &ruleSet{
		walk:    treeSitterWalk(lang, visitC),
		modules: mapset.NewSet(headers...),
		calls:   mapset.NewSet(cCalls...),
		attrs:   mapset.NewSet[string](),
		patterns: []pattern{
			{regexp.MustCompile(`(?m)^\s*#\s*include\s*[<"](` + alternation(headers) + `)[>"]`), `import of forbidden module "%s"`},
			{regexp.MustCompile(`(?:^|[^.\w>])(` + alternation(cCalls) + `)\s*\(`), `call to forbidden function "%s"`},
			{regexp.MustCompile(`\b(asm|__asm__)\b`), `use of forbidden construct "%s"`},
		},
	}
}
