// Package sqlsafe is a syntactic gate that accepts only single, read-only
// SQL statements. It never executes SQL.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/insights/query/pkg/dberror"
)

const (
	RuleSemicolon = "semicolon"
	RuleReadOnly  = "read_only"
	RuleKeyword   = "forbidden_keyword"
	RuleEmpty     = "empty"
)

// ForbiddenKeywords are rejected when they appear as whole words.
var ForbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "create", "alter",
	"truncate", "grant", "revoke", "execute", "call",
}

var (
	leadingKeyword = regexp.MustCompile(`^(select|with)\b`)
	keywordRes     = compileKeywords(ForbiddenKeywords)
)

func compileKeywords(keywords []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		res[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return res
}

// Validate checks that sql is a single statement that starts with SELECT or
// WITH and contains no DDL/DML keyword.
func Validate(sql string) error {
	if strings.Contains(sql, ";") {
		return &dberror.SecurityError{
			Rule:    RuleSemicolon,
			Message: "query must not contain a semicolon (multiple statements)",
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(sql))
	if normalized == "" {
		return &dberror.SecurityError{Rule: RuleEmpty, Message: "query is empty"}
	}
	if !leadingKeyword.MatchString(normalized) {
		return &dberror.SecurityError{
			Rule:    RuleReadOnly,
			Message: "query must start with SELECT or WITH",
		}
	}

	return checkKeywords(normalized)
}

// ValidateFragment checks a trusted WHERE-clause fragment. Fragments are not
// full statements, so only the semicolon and keyword rules apply.
func ValidateFragment(fragment string) error {
	if strings.Contains(fragment, ";") {
		return &dberror.SecurityError{
			Rule:    RuleSemicolon,
			Message: "filter fragment must not contain a semicolon",
		}
	}
	return checkKeywords(strings.ToLower(fragment))
}

func checkKeywords(normalized string) error {
	for i, re := range keywordRes {
		if re.MatchString(normalized) {
			kw := ForbiddenKeywords[i]
			return &dberror.SecurityError{
				Rule:    RuleKeyword,
				Keyword: kw,
				Message: fmt.Sprintf("keyword %s is not allowed", strings.ToUpper(kw)),
			}
		}
	}
	return nil
}
