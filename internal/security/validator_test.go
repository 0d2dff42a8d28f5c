package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

func requireViolation(t *testing.T, err error, contains string) *Violation {
	t.Helper()
	var v *Violation
	require.True(t, errors.As(err, &v), "expected a violation, got %v", err)
	require.NotEmpty(t, v.Reasons)
	if contains != "" {
		found := false
		for _, r := range v.Reasons {
			if strings.Contains(r, contains) {
				found = true
				break
			}
		}
		require.True(t, found, "no reason mentions %q: %v", contains, v.Reasons)
	}
	return v
}

func TestValidateAcceptsOrdinaryPrograms(t *testing.T) {
	v := New(0)
	cases := []struct {
		lang models.LanguageID
		src  string
	}{
		{models.Python, "import sys\nimport math\nprint(sum(int(x) for x in sys.stdin.read().split()))\n"},
		{models.Python, "def f(n):\n    return n * 2\n\nprint(f(int(input())))\n"},
		{models.JavaScript, "const xs = [1, 2, 3];\nconsole.log(xs.map(x => x * 2).join(' '));\n"},
		{models.C, "#include <stdio.h>\nint main(void) {\n  int a, b;\n  scanf(\"%d %d\", &a, &b);\n  printf(\"%d\\n\", a + b);\n  return 0;\n}\n"},
		{models.Cpp, "#include <iostream>\n#include <vector>\nint main() {\n  std::vector<int> v{1, 2};\n  std::cout << v.size() << std::endl;\n}\n"},
		{models.SQL, "SELECT name, COUNT(*) FROM users GROUP BY name; -- DROP TABLE users\n"},
		{models.SQL, "WITH t AS (SELECT 1 AS x) SELECT x FROM t WHERE x <> 'delete'"},
	}
	for _, tc := range cases {
		require.NoError(t, v.Validate(tc.src, tc.lang), "%s: %q", tc.lang, tc.src)
	}
}

func TestValidateAcceptsGoFixtures(t *testing.T) {
	v := New(0)
	files, err := filepath.Glob(filepath.Join("testdata", "fib_*.go"))
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, f := range files {
		src, err := os.ReadFile(f)
		require.NoError(t, err)
		require.NoError(t, v.Validate(string(src), models.Go), f)
	}
}

func TestValidatePython(t *testing.T) {
	v := New(0)

	requireViolation(t, v.Validate("import os\nos.system('ls')\n", models.Python), `module "os"`)
	requireViolation(t, v.Validate("from subprocess import run\nrun(['ls'])\n", models.Python), `"subprocess"`)
	requireViolation(t, v.Validate("import math, socket\n", models.Python), `"socket"`)
	requireViolation(t, v.Validate("print(eval('1+1'))\n", models.Python), `function "eval"`)
	requireViolation(t, v.Validate("f = open('/etc/passwd')\n", models.Python), `function "open"`)
	requireViolation(t, v.Validate("print(().__class__.__bases__)\n", models.Python), `"__class__"`)
	requireViolation(t, v.Validate("__import__('os')\n", models.Python), `"__import__"`)
	requireViolation(t, v.Validate("e = eval\ne('1')\n", models.Python), `function "eval"`)
	requireViolation(t, v.Validate("import io\nprint(io.open('/etc/passwd').read())\n", models.Python), `module "io"`)
	requireViolation(t, v.Validate("import codecs\nprint(codecs.open('/etc/passwd').read())\n", models.Python), `module "codecs"`)
	requireViolation(t, v.Validate("import sys\nsys.modules['o' + 's'].system('id')\n", models.Python), `"sys.modules"`)
	requireViolation(t, v.Validate("from sys import modules\nmodules['o' + 's'].system('id')\n", models.Python), `"sys.modules"`)
}

func TestValidatePythonAllowsOtherSysAttributes(t *testing.T) {
	v := New(0)
	require.NoError(t, v.Validate("import sys\nsys.setrecursionlimit(10000)\nprint(sys.maxsize)\n", models.Python))
	require.NoError(t, v.Validate("modules = 3\nprint(modules)\n", models.Python))
}

func TestValidatePythonOverBlocksStringLiterals(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("print(\"eval(1)\")\n", models.Python), `"eval"`)
}

func TestValidateFallsBackToRegexOnParseFailure(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("def (:\n  import os\n", models.Python), `"os"`)
	requireViolation(t, v.Validate("package main\nfunc main( { os.Remove(\"x\") }\n", models.Go), `"os.Remove"`)
}

func TestValidateJavaScript(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("const cp = require('child_process');\ncp.execSync('ls');\n", models.JavaScript), `"child_process"`)
	requireViolation(t, v.Validate("import fs from 'node:fs';\n", models.JavaScript), `"fs"`)
	requireViolation(t, v.Validate("eval('2+2');\n", models.JavaScript), `"eval"`)
	requireViolation(t, v.Validate("const m = 'f' + 's';\nrequire(m);\n", models.JavaScript), `require(dynamic)`)
	requireViolation(t, v.Validate("[].constructor.constructor('return this')();\n", models.JavaScript), `"constructor"`)
	requireViolation(t, v.Validate("process.binding('spawn_sync');\n", models.JavaScript), `"binding"`)
	requireViolation(t, v.Validate("fetch('http://example.com').then(r => r.text());\n", models.JavaScript), `function "fetch"`)
	requireViolation(t, v.Validate("globalThis.fetch('http://example.com');\n", models.JavaScript), `"fetch"`)
	requireViolation(t, v.Validate("const x = new XMLHttpRequest();\nx.open('GET', 'http://example.com');\n", models.JavaScript), `"XMLHttpRequest"`)
	requireViolation(t, v.Validate("const ws = new WebSocket('ws://example.com');\n", models.JavaScript), `"WebSocket"`)
}

func TestValidateNative(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("#include <unistd.h>\nint main(){fork();}\n", models.C), `"unistd.h"`)
	requireViolation(t, v.Validate("#include <stdlib.h>\nint main(){system(\"ls\");}\n", models.C), `"system"`)
	requireViolation(t, v.Validate("#include <fstream>\nint main(){}\n", models.Cpp), `"fstream"`)
	requireViolation(t, v.Validate("#include <cstdlib>\nint main(){std::system(\"ls\");}\n", models.Cpp), `"system"`)
	requireViolation(t, v.Validate("int main(){ asm(\"nop\"); }\n", models.C), `"asm"`)
}

func TestValidateGo(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("package main\nimport \"os/exec\"\nfunc main(){ exec.Command(\"ls\").Run() }\n", models.Go), `"os/exec"`)
	requireViolation(t, v.Validate("package main\nimport \"net/http\"\nfunc main(){ http.Get(\"x\") }\n", models.Go), `"net/http"`)
	requireViolation(t, v.Validate("package main\nimport x \"os\"\nfunc main(){ x.Remove(\"a\") }\n", models.Go), `"os.Remove"`)
	requireViolation(t, v.Validate("package main\nimport _ \"unsafe\"\n//go:linkname f runtime.f\nfunc f()\nfunc main(){}\n", models.Go), `"go:linkname"`)

	require.NoError(t, v.Validate("package main\nimport (\"fmt\"; \"os\")\nfunc main(){ fmt.Fprintln(os.Stdout, len(os.Args)) }\n", models.Go))
}

func TestValidateSQL(t *testing.T) {
	v := New(0)
	requireViolation(t, v.Validate("DROP TABLE users", models.SQL), `"DROP"`)
	requireViolation(t, v.Validate("SELECT 1; DELETE FROM users", models.SQL), `"DELETE"`)
	requireViolation(t, v.Validate("SELECT * INTO backup FROM users", models.SQL), `"INTO"`)
	requireViolation(t, v.Validate("/* hi */ update users set a = 1", models.SQL), `"UPDATE"`)
}

func TestValidateSizeLimit(t *testing.T) {
	v := New(16)
	requireViolation(t, v.Validate(strings.Repeat("x", 17), models.Python), "limit is 16")
	require.NoError(t, v.Validate("print(1)", models.Python))
}

func TestValidateUnsupportedLanguage(t *testing.T) {
	err := New(0).Validate("print 1", models.LanguageID("cobol"))
	require.Error(t, err)
	require.True(t, errors.Is(err, models.ErrUnsupportedLanguage))
	require.False(t, New(0).Supports("cobol"))
	require.True(t, New(0).Supports(models.SQL))
}

func TestValidateDeduplicatesReasons(t *testing.T) {
	v := requireViolation(t, New(0).Validate("eval('1')\neval('2')\n", models.Python), "eval")
	require.Equal(t, []string{`call to forbidden function "eval"`}, v.Reasons)
}

func TestValidateConcurrent(t *testing.T) {
	v := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, v.Validate("print(1)\n", models.Python))
			require.Error(t, v.Validate("import os\n", models.Python))
		}()
	}
	wg.Wait()
}
