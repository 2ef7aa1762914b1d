package dbutil

import (
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var limitRegex = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)

// Finalize rewrites a `?` placeholder query (as produced by gendry) into the
// postgres `$n` form, converting mysql style `LIMIT ?, ?` on the way.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

// ExpandIn expands slice arguments bound to `IN (?)` and finalizes the query.
func ExpandIn(query string, args ...interface{}) (string, []interface{}, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	expanded, expandedArgs = Finalize(expanded, expandedArgs)
	return expanded, expandedArgs, nil
}

func IsConflict(err error) bool {
	if pgErr, ok := err.(*pq.Error); ok {
		return pgErr.Code == "23505"
	}
	return false
}
