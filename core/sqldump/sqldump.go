// Package sqldump splits the SQL text produced by the sqlite3 shell's
// .recover command into statements and filters out the ones that touch the
// system catalog.
package sqldump

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// SystemTables are the catalog tables whose statements must not be replayed
// into a fresh database. sqlite_schema is not one of them: .recover
// registers virtual tables with INSERT OR IGNORE INTO sqlite_schema while
// writable_schema is on, and those rows must be replayed.
var SystemTables = []string{
	"sqlite_master",
	"sqlite_sequence",
	"sqlite_temp_master",
}

// sqlLexer tokenizes just enough SQL to find statement boundaries.
// Order matters: comments before operators, quoted forms before Other.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "LineComment", Pattern: `--[^\n]*`},
	{Name: "BlockComment", Pattern: `/\*(?s:.*?)\*/`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"`},
	{Name: "BracketIdent", Pattern: `\[[^\]]*\]`},
	{Name: "BacktickIdent", Pattern: "`(?:[^`]|``)*`"},
	{Name: "Word", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Semicolon", Pattern: `;`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Other", Pattern: `.`},
})

var (
	symbols       = sqlLexer.Symbols()
	tokLine       = symbols["LineComment"]
	tokBlock      = symbols["BlockComment"]
	tokQuoted     = symbols["QuotedIdent"]
	tokBracket    = symbols["BracketIdent"]
	tokBacktick   = symbols["BacktickIdent"]
	tokWord       = symbols["Word"]
	tokSemicolon  = symbols["Semicolon"]
	tokWhitespace = symbols["Whitespace"]
)

// Statement is one SQL statement with its tokens.
type Statement struct {
	Text   string
	tokens []lexer.Token
}

func lex(sql string) ([]lexer.Token, error) {
	l, err := sqlLexer.Lex("", strings.NewReader(sql))
	if err != nil {
		return nil, err
	}
	tokens, err := lexer.ConsumeAll(l)
	if err != nil {
		return nil, err
	}
	// ConsumeAll includes the EOF token.
	if n := len(tokens); n > 0 && tokens[n-1].EOF() {
		tokens = tokens[:n-1]
	}
	return tokens, nil
}

func significant(t lexer.Token) bool {
	return t.Type != tokWhitespace && t.Type != tokLine && t.Type != tokBlock
}

// Parse splits sql into statements. A statement ends at a top-level
// semicolon; inside CREATE TRIGGER the body runs until the END that closes
// it. Chunks holding only whitespace and comments are dropped. A trailing
// statement without a semicolon is kept.
func Parse(sql string) ([]Statement, error) {
	tokens, err := lex(sql)
	if err != nil {
		return nil, err
	}

	var (
		stmts     []Statement
		cur       []lexer.Token
		words     int  // significant tokens seen in cur
		trigger   bool // cur is a CREATE TRIGGER
		caseDepth int
		lastWord  string
	)
	flush := func() {
		if words > 0 {
			var sb strings.Builder
			for _, t := range cur {
				sb.WriteString(t.Value)
			}
			stmts = append(stmts, Statement{Text: strings.TrimSpace(sb.String()), tokens: cur})
		}
		cur, words, trigger, caseDepth, lastWord = nil, 0, false, 0, ""
	}

	for _, t := range tokens {
		cur = append(cur, t)
		if !significant(t) {
			continue
		}
		if t.Type == tokSemicolon {
			if !trigger || lastWord == "END" {
				flush()
				continue
			}
			lastWord = ";"
			continue
		}

		words++
		upper := ""
		if t.Type == tokWord {
			upper = strings.ToUpper(t.Value)
		}
		if words <= 4 && upper == "TRIGGER" && strings.EqualFold(firstWord(cur), "CREATE") {
			trigger = true
		}
		switch upper {
		case "CASE":
			caseDepth++
		case "END":
			if caseDepth > 0 {
				caseDepth--
				upper = "END_CASE"
			}
		}
		lastWord = upper
	}
	flush()
	return stmts, nil
}

func firstWord(tokens []lexer.Token) string {
	for _, t := range tokens {
		if significant(t) {
			return t.Value
		}
	}
	return ""
}

// Split returns the text of each statement in sql.
func Split(sql string) ([]string, error) {
	stmts, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.Text
	}
	return out, nil
}

// Identifiers returns every bare or quoted identifier in the statement,
// unquoted. Keywords are included; string literals are not.
func (s Statement) Identifiers() []string {
	var ids []string
	for _, t := range s.tokens {
		switch t.Type {
		case tokWord:
			ids = append(ids, t.Value)
		case tokQuoted:
			ids = append(ids, strings.ReplaceAll(t.Value[1:len(t.Value)-1], `""`, `"`))
		case tokBacktick:
			ids = append(ids, strings.ReplaceAll(t.Value[1:len(t.Value)-1], "``", "`"))
		case tokBracket:
			ids = append(ids, t.Value[1:len(t.Value)-1])
		}
	}
	return ids
}

// Mentions reports whether table appears as an identifier, ignoring case.
func (s Statement) Mentions(table string) bool {
	for _, id := range s.Identifiers() {
		if strings.EqualFold(id, table) {
			return true
		}
	}
	return false
}

// Keyword returns the first word of the statement in upper case.
func (s Statement) Keyword() string {
	for _, t := range s.tokens {
		if significant(t) {
			if t.Type == tokWord {
				return strings.ToUpper(t.Value)
			}
			return ""
		}
	}
	return ""
}

// IsTransactionControl reports whether the statement opens or closes a
// transaction.
func (s Statement) IsTransactionControl() bool {
	switch s.Keyword() {
	case "BEGIN", "COMMIT", "END", "ROLLBACK", "SAVEPOINT", "RELEASE":
		return true
	}
	return false
}

// MentionsTable lexes stmt and reports whether it names table.
func MentionsTable(stmt, table string) bool {
	tokens, err := lex(stmt)
	if err != nil {
		return false
	}
	return Statement{Text: stmt, tokens: tokens}.Mentions(table)
}

// Filter partitions stmts into those that name none of tables and those
// that name at least one.
func Filter(stmts []Statement, tables []string) (kept, dropped []Statement) {
	for _, s := range stmts {
		hit := false
		for _, tbl := range tables {
			if s.Mentions(tbl) {
				hit = true
				break
			}
		}
		if hit {
			dropped = append(dropped, s)
		} else {
			kept = append(kept, s)
		}
	}
	return kept, dropped
}

// Join renders statements back to a script, one per line.
func Join(stmts []Statement) string {
	var sb strings.Builder
	for _, s := range stmts {
		sb.WriteString(s.Text)
		if !strings.HasSuffix(s.Text, ";") {
			if s.endsInLineComment() {
				sb.WriteByte('\n')
			}
			sb.WriteByte(';')
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (s Statement) endsInLineComment() bool {
	for i := len(s.tokens) - 1; i >= 0; i-- {
		if s.tokens[i].Type != tokWhitespace {
			return s.tokens[i].Type == tokLine
		}
	}
	return false
}
