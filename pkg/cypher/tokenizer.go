package cypher

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType classifies a lexical token.
type TokenType int

const (
	TokenKeyword TokenType = iota
	TokenIdentifier
	TokenString
	TokenNumber
	TokenSymbol
	TokenEOF
)

func (t TokenType) String() string {
	switch t {
	case TokenKeyword:
		return "keyword"
	case TokenIdentifier:
		return "identifier"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenSymbol:
		return "symbol"
	}
	return "EOF"
}

// Token is one lexical token. Keywords are upper-cased.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

var keywords = map[string]bool{
	"MATCH": true, "WHERE": true, "RETURN": true, "DISTINCT": true,
	"ORDER": true, "BY": true, "ASC": true, "DESC": true, "SKIP": true,
	"LIMIT": true, "AND": true, "OR": true, "NOT": true, "AS": true,
	"IS": true, "NULL": true, "CONTAINS": true, "STARTS": true,
	"ENDS": true, "WITH": true, "TRUE": true, "FALSE": true,
	// recognized only to be refused
	"CREATE": true, "MERGE": true, "SET": true, "DELETE": true,
	"DETACH": true, "REMOVE": true, "CALL": true,
}

// writeKeywords are clauses of the full language this evaluator refuses.
var writeKeywords = map[string]bool{
	"CREATE": true, "MERGE": true, "SET": true, "DELETE": true,
	"DETACH": true, "REMOVE": true, "CALL": true,
}

// Tokenizer breaks a query into tokens.
type Tokenizer struct {
	input  string
	pos    int
	tokens []Token
}

// NewTokenizer returns a tokenizer over input.
func NewTokenizer(input string) *Tokenizer {
	return &Tokenizer{input: input}
}

// Tokenize returns every token of the input followed by TokenEOF.
func (t *Tokenizer) Tokenize() ([]Token, error) {
	for t.pos < len(t.input) {
		c := rune(t.input[t.pos])
		var err error
		switch {
		case unicode.IsSpace(c):
			t.pos++
		case unicode.IsLetter(c) || c == '_':
			t.readIdentifierOrKeyword()
		case c == '`':
			err = t.readQuotedIdentifier()
		case c == '\'' || c == '"':
			err = t.readString(byte(c))
		case unicode.IsDigit(c):
			t.readNumber()
		default:
			err = t.readSymbol()
		}
		if err != nil {
			return nil, err
		}
	}
	t.tokens = append(t.tokens, Token{Type: TokenEOF, Pos: t.pos})
	return t.tokens, nil
}

func (t *Tokenizer) readIdentifierOrKeyword() {
	start := t.pos
	for t.pos < len(t.input) {
		c := rune(t.input[t.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		t.pos++
	}
	value := t.input[start:t.pos]
	if upper := strings.ToUpper(value); keywords[upper] {
		t.tokens = append(t.tokens, Token{Type: TokenKeyword, Value: upper, Pos: start})
		return
	}
	t.tokens = append(t.tokens, Token{Type: TokenIdentifier, Value: value, Pos: start})
}

func (t *Tokenizer) readQuotedIdentifier() error {
	start := t.pos
	end := strings.IndexByte(t.input[start+1:], '`')
	if end < 0 {
		return fmt.Errorf("%w: unterminated identifier at %d", ErrSyntax, start)
	}
	t.tokens = append(t.tokens, Token{Type: TokenIdentifier, Value: t.input[start+1 : start+1+end], Pos: start})
	t.pos = start + end + 2
	return nil
}

func (t *Tokenizer) readString(quote byte) error {
	start := t.pos
	t.pos++
	var b strings.Builder
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		switch {
		case c == '\\' && t.pos+1 < len(t.input):
			t.pos++
			switch esc := t.input[t.pos]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
		case c == quote:
			t.pos++
			t.tokens = append(t.tokens, Token{Type: TokenString, Value: b.String(), Pos: start})
			return nil
		default:
			b.WriteByte(c)
		}
		t.pos++
	}
	return fmt.Errorf("%w: unterminated string at %d", ErrSyntax, start)
}

func (t *Tokenizer) readNumber() {
	start := t.pos
	seenDot := false
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		if c == '.' && !seenDot && t.pos+1 < len(t.input) && unicode.IsDigit(rune(t.input[t.pos+1])) {
			seenDot = true
		} else if !unicode.IsDigit(rune(c)) {
			break
		}
		t.pos++
	}
	t.tokens = append(t.tokens, Token{Type: TokenNumber, Value: t.input[start:t.pos], Pos: start})
}

// twoCharSymbols are matched before single characters.
var twoCharSymbols = []string{"<>", "!=", "<=", ">=", "=~", "->", "<-"}

func (t *Tokenizer) readSymbol() error {
	rest := t.input[t.pos:]
	for _, s := range twoCharSymbols {
		if strings.HasPrefix(rest, s) {
			t.tokens = append(t.tokens, Token{Type: TokenSymbol, Value: s, Pos: t.pos})
			t.pos += 2
			return nil
		}
	}
	switch c := rest[0]; c {
	case '(', ')', '[', ']', '{', '}', ':', ',', '.', '*', '=', '<', '>', '-':
		t.tokens = append(t.tokens, Token{Type: TokenSymbol, Value: string(c), Pos: t.pos})
		t.pos++
		return nil
	default:
		return fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, t.pos)
	}
}
