package security

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// visitFunc records what one node contributes to the collector.
type visitFunc func(n *sitter.Node, src []byte, c *collector)

// treeSitterWalk returns a walk func that parses with lang and visits every
// named node. A tree containing error nodes counts as a parse failure.
func treeSitterWalk(lang func() *sitter.Language, visit visitFunc) func(context.Context, []byte, *ruleSet) ([]string, bool) {
	return func(ctx context.Context, src []byte, rs *ruleSet) ([]string, bool) {
		parser := sitter.NewParser()
		defer parser.Close()
		parser.SetLanguage(lang())

		tree, err := parser.ParseCtx(ctx, nil, src)
		if err != nil || tree == nil {
			return nil, false
		}
		defer tree.Close()

		root := tree.RootNode()
		if root == nil || root.HasError() {
			return nil, false
		}

		var c collector
		stack := []*sitter.Node{root}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			visit(n, src, &c)
			// push in reverse so children are visited in source order
			for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
				if child := n.NamedChild(i); child != nil {
					stack = append(stack, child)
				}
			}
		}
		return c.check(rs), true
	}
}

func field(n *sitter.Node, name string, src []byte) (string, string) {
	f := n.ChildByFieldName(name)
	if f == nil {
		return "", ""
	}
	return f.Type(), f.Content(src)
}

func unquote(s string) string {
	return strings.Trim(s, "'\"`")
}

func visitPython(n *sitter.Node, src []byte, c *collector) {
	switch n.Type() {
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				c.imports = append(c.imports, child.Content(src))
			case "aliased_import":
				if _, name := field(child, "name", src); name != "" {
					c.imports = append(c.imports, name)
				}
			}
		}
	case "import_from_statement":
		if _, module := field(n, "module_name", src); module != "" {
			if m := strings.TrimLeft(module, "."); m != "" {
				c.imports = append(c.imports, m)
			}
		}
	case "call":
		if kind, callee := field(n, "function", src); kind == "identifier" || kind == "attribute" {
			c.calls = append(c.calls, callee)
		}
	case "attribute":
		if _, attr := field(n, "attribute", src); attr != "" {
			c.attrs = append(c.attrs, attr)
			// qualified form, so rules can name one module's attribute
			if kind, obj := field(n, "object", src); kind == "identifier" {
				c.attrs = append(c.attrs, obj+"."+attr)
			}
		}
	case "identifier":
		name := n.Content(src)
		c.attrs = append(c.attrs, name)
		// A bare reference such as `f = eval` counts as a call; the member
		// half of `re.compile` does not.
		if !isAttributeMember(n) {
			c.calls = append(c.calls, name)
		}
	}
}

func isAttributeMember(n *sitter.Node) bool {
	parent := n.Parent()
	if parent == nil || parent.Type() != "attribute" {
		return false
	}
	attr := parent.ChildByFieldName("attribute")
	return attr != nil && attr.StartByte() == n.StartByte()
}

func visitJavaScript(n *sitter.Node, src []byte, c *collector) {
	switch n.Type() {
	case "import_statement":
		if _, source := field(n, "source", src); source != "" {
			c.imports = append(c.imports, jsModule(source))
		}
	case "call_expression":
		kind, callee := field(n, "function", src)
		if kind == "import" || callee == "require" {
			if args := n.ChildByFieldName("arguments"); args != nil && args.NamedChildCount() > 0 {
				first := args.NamedChild(0)
				if first.Type() == "string" || first.Type() == "template_string" {
					c.imports = append(c.imports, jsModule(first.Content(src)))
				} else {
					// require(variable) cannot be checked statically
					c.calls = append(c.calls, callee+"(dynamic)")
				}
			}
			return
		}
		c.calls = append(c.calls, callee)
	case "new_expression":
		if _, ctor := field(n, "constructor", src); ctor != "" {
			c.calls = append(c.calls, ctor)
		}
	case "member_expression":
		if _, prop := field(n, "property", src); prop != "" {
			c.attrs = append(c.attrs, prop)
		}
	}
}

func jsModule(s string) string {
	return strings.TrimPrefix(unquote(s), "node:")
}

func visitC(n *sitter.Node, src []byte, c *collector) {
	switch n.Type() {
	case "preproc_include":
		if _, path := field(n, "path", src); path != "" {
			c.imports = append(c.imports, strings.Trim(path, "<>\""))
		}
	case "call_expression":
		_, callee := field(n, "function", src)
		if callee == "" {
			return
		}
		c.calls = append(c.calls, callee)
		if i := strings.LastIndex(callee, "::"); i >= 0 {
			c.calls = append(c.calls, callee[i+2:])
		}
	}
}
