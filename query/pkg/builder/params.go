package builder

import (
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// Identifier is a column name that was resolved against a dataset's closed
// column set. It can only be created by a Schema, so arbitrary strings never
// reach an identifier slot.
type Identifier struct {
	name string
}

func (id Identifier) Name() string { return id.name }

var bareIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SQL renders the identifier. Simple lower-case names are emitted bare; any
// other name is quoted.
func (id Identifier) SQL() string {
	if bareIdentifier.MatchString(id.name) && !reservedWords[id.name] {
		return id.name
	}
	return pgx.Identifier{id.name}.Sanitize()
}

// Value is a literal that is always bound as a parameter and never
// concatenated into the SQL text.
type Value struct {
	v any
}

// Params is an ordered set of named parameters. Placeholders are positional
// ($1, $2, ...) in insertion order.
type Params struct {
	names  []string
	values []any
	index  map[string]int
}

func NewParams() *Params {
	return &Params{index: make(map[string]int)}
}

// Bind adds the value under name and returns its placeholder. Binding a name
// twice replaces the value and reuses the placeholder.
func (p *Params) Bind(name string, v Value) string {
	if i, ok := p.index[name]; ok {
		p.values[i] = v.v
		return "$" + strconv.Itoa(i+1)
	}
	p.index[name] = len(p.names)
	p.names = append(p.names, name)
	p.values = append(p.values, v.v)
	return "$" + strconv.Itoa(len(p.names))
}

func (p *Params) Len() int { return len(p.names) }

// Names returns the parameter names in placeholder order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Args returns the parameter values in placeholder order.
func (p *Params) Args() []any {
	return append([]any(nil), p.values...)
}

// Get returns the value bound under name.
func (p *Params) Get(name string) (any, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.values[i], true
}

// Map returns the parameters keyed by name.
func (p *Params) Map() map[string]any {
	m := make(map[string]any, len(p.names))
	for i, name := range p.names {
		m[name] = p.values[i]
	}
	return m
}

var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "asymmetric": true, "both": true,
	"case": true, "cast": true, "check": true, "collate": true, "column": true,
	"constraint": true, "create": true, "current_catalog": true, "current_date": true,
	"current_role": true, "current_time": true, "current_timestamp": true,
	"current_user": true, "default": true, "deferrable": true, "desc": true,
	"distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "from": true,
	"grant": true, "group": true, "having": true, "in": true, "initially": true,
	"intersect": true, "into": true, "lateral": true, "leading": true, "limit": true,
	"localtime": true, "localtimestamp": true, "not": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true,
	"placing": true, "primary": true, "references": true, "returning": true,
	"select": true, "session_user": true, "some": true, "symmetric": true,
	"table": true, "then": true, "to": true, "trailing": true, "true": true,
	"union": true, "unique": true, "user": true, "using": true, "variadic": true,
	"when": true, "where": true, "window": true, "with": true,
}
