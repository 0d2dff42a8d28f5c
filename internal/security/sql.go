package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// SQL is allow-only: every statement must open with a read keyword and may
// not carry a write keyword anywhere.
var (
	sqlReadKeywords = mapset.NewSet(
		"SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "DESC", "VALUES",
	)
	sqlWriteKeywords = mapset.NewSet(
		"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE", "REPLACE",
		"MERGE", "GRANT", "REVOKE", "ATTACH", "DETACH", "VACUUM", "COPY", "CALL", "EXEC",
		"EXECUTE", "SET", "LOCK", "RENAME", "COMMENT", "REINDEX", "INTO", "PRAGMA", "LOAD",
	)

	sqlLineComment  = regexp.MustCompile(`--[^\n]*`)
	sqlBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	sqlStringLit    = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlWord         = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

func sqlRules() *ruleSet {
	return &ruleSet{walk: walkSQL}
}

func walkSQL(_ context.Context, src []byte, _ *ruleSet) ([]string, bool) {
	text := sqlBlockComment.ReplaceAllString(string(src), " ")
	text = sqlLineComment.ReplaceAllString(text, " ")
	text = sqlStringLit.ReplaceAllString(text, "''")

	var out []string
	for _, stmt := range strings.Split(text, ";") {
		words := sqlWord.FindAllString(stmt, -1)
		if len(words) == 0 {
			continue
		}
		first := strings.ToUpper(words[0])
		if !sqlReadKeywords.Contains(first) {
			out = append(out, fmt.Sprintf("statement kind %q is not allowed", first))
			continue
		}
		for _, w := range words[1:] {
			if up := strings.ToUpper(w); sqlWriteKeywords.Contains(up) {
				out = append(out, fmt.Sprintf("keyword %q is not allowed", up))
			}
		}
	}
	return out, true
}
