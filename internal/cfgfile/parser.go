package cfgfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fwup-go/fwup/internal/evalmath"
)

// value is the right-hand side of an assignment: either a single scalar or
// a brace-delimited list (`length={100,200}`), following libconfuse's
// CFGF_LIST attributes.
type value struct {
	scalar string
	list   []string
	isList bool
}

func (v value) asInt64() (int64, error) {
	return strconv.ParseInt(v.scalar, 0, 64)
}

func (v value) asBool() bool {
	return v.scalar == "true" || v.scalar == "1"
}

func (v value) asIntList() ([]int64, error) {
	raw := v.list
	if !v.isList {
		raw = []string{v.scalar}
	}
	out := make([]int64, len(raw))
	for i, s := range raw {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("cfgfile: %q is not an integer: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}

// parser walks a pre-lexed token stream, expanding include() inline and
// resolving `${VAR}` references against a shared Environment as it goes --
// the same "one pass, environment mutated along the way" behavior as the
// original's libconfuse callbacks, which run during parsing rather than as
// a separate pass.
type parser struct {
	toks    []token
	pos     int
	env     Environment
	baseDir string
}

// Parse parses manifest source text with no include() support (includes
// require a base directory to resolve relative paths against; use
// ParseFile for that).
func Parse(src string, env Environment) (*Config, error) {
	return parseWithBase(src, env, "")
}

// ParseFile parses a manifest file from disk, resolving include()
// statements relative to its directory.
func ParseFile(path string, env Environment) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cfgfile: reading %s: %w", path, err)
	}
	return parseWithBase(string(data), env, filepath.Dir(path))
}

func parseWithBase(src string, env Environment, baseDir string) (*Config, error) {
	if env == nil {
		env = Environment{}
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, env: env, baseDir: baseDir}

	cfg := &Config{
		RequireFwupVersion: "0",
		Env:                env,
	}
	if err := p.parseBody(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tokenize(src string) ([]token, error) {
	l := newLexer(src)
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.cur().kind != k {
		return token{}, fmt.Errorf("cfgfile: line %d: expected %s", p.cur().line, what)
	}
	return p.advance(), nil
}

// splice replaces the include() call just consumed (at position pos) with
// the tokens of the included file's body, so the rest of parsing sees them
// as if they'd been written inline.
func (p *parser) splice(path string) error {
	resolved := path
	if p.baseDir != "" && !filepath.IsAbs(path) {
		resolved = filepath.Join(p.baseDir, path)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("cfgfile: include %q: %w", path, err)
	}
	included, err := tokenize(string(data))
	if err != nil {
		return err
	}
	included = included[:len(included)-1] // drop included file's own EOF

	rest := append([]token{}, p.toks[p.pos:]...)
	p.toks = append(append(append([]token{}, p.toks[:p.pos]...), included...), rest...)
	return nil
}

// parseBody reads assignments, function calls, and nested sections until
// it hits the matching closing brace (or EOF at the top level), dispatching
// each to handler with the parsed item. task/section-specific semantics
// live in the handler closures in config_sections.go.
func (p *parser) parseBody(cfg *Config, onItem func(name string, isSection bool) error) error {
	for {
		switch p.cur().kind {
		case tokEOF, tokRBrace:
			return nil
		case tokIdent:
			name := p.cur().text
			if err := p.parseStatement(cfg, onItem); err != nil {
				return fmt.Errorf("cfgfile: near %q: %w", name, err)
			}
		default:
			return fmt.Errorf("cfgfile: line %d: unexpected token", p.cur().line)
		}
	}
}

func (p *parser) parseStatement(cfg *Config, onItem func(name string, isSection bool) error) error {
	nameTok, err := p.expect(tokIdent, "identifier")
	if err != nil {
		return err
	}
	name := nameTok.text

	switch p.cur().kind {
	case tokLParen:
		args, err := p.parseArgs()
		if err != nil {
			return err
		}
		return p.handleTopLevelCall(cfg, name, args)

	case tokEquals:
		p.advance()
		v, err := p.parseValue()
		if err != nil {
			return err
		}
		return p.applyTopLevelAssignment(cfg, name, v)

	case tokString:
		title := p.advance().text
		if _, err := p.expect(tokLBrace, "'{'"); err != nil {
			return err
		}
		return p.parseSection(cfg, name, title)

	case tokLBrace:
		p.advance()
		return p.parseSection(cfg, name, "")

	default:
		return fmt.Errorf("cfgfile: line %d: unexpected token after %q", p.cur().line, name)
	}
}

func (p *parser) parseArgs() ([]string, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []string
	for p.cur().kind != tokRParen {
		v, err := p.parseScalar()
		if err != nil {
			return nil, err
		}
		args = append(args, p.env.expand(v))
		if p.cur().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parseScalar() (string, error) {
	switch p.cur().kind {
	case tokString:
		return p.advance().text, nil
	case tokNumber:
		return p.advance().text, nil
	case tokIdent:
		return p.advance().text, nil
	default:
		return "", fmt.Errorf("cfgfile: line %d: expected a value", p.cur().line)
	}
}

func (p *parser) parseValue() (value, error) {
	if p.cur().kind == tokLBrace {
		p.advance()
		var items []string
		for p.cur().kind != tokRBrace {
			v, err := p.parseScalar()
			if err != nil {
				return value{}, err
			}
			items = append(items, p.env.expand(v))
			if p.cur().kind == tokComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(tokRBrace, "'}'"); err != nil {
			return value{}, err
		}
		return value{list: items, isList: true}, nil
	}

	s, err := p.parseScalar()
	if err != nil {
		return value{}, err
	}
	return value{scalar: p.env.expand(s)}, nil
}

// parseSection consumes a section body and leaves the closing '}' consumed.
func (p *parser) parseSection(cfg *Config, kind, title string) error {
	switch kind {
	case "file-resource":
		fr, err := p.parseFileResource(title)
		if err != nil {
			return err
		}
		cfg.FileResources = append(cfg.FileResources, fr)
	case "mbr":
		m, err := p.parseMBR(title)
		if err != nil {
			return err
		}
		cfg.MBRs = append(cfg.MBRs, m)
	case "gpt":
		g, err := p.parseGPT(title)
		if err != nil {
			return err
		}
		cfg.GPTs = append(cfg.GPTs, g)
	case "uboot-environment":
		u, err := p.parseUbootEnvironment(title)
		if err != nil {
			return err
		}
		cfg.UbootEnvironments = append(cfg.UbootEnvironments, u)
	case "task":
		t, err := p.parseTask(title)
		if err != nil {
			return err
		}
		cfg.Tasks = append(cfg.Tasks, t)
	default:
		return p.skipSection()
	}
	return nil
}

// skipSection consumes tokens up to and including a matching '}' for a
// section kind not recognized here -- mirrors the original's __unknown
// catch-all rather than erroring on forward-compatible manifests.
func (p *parser) skipSection() error {
	depth := 1
	for depth > 0 {
		switch p.cur().kind {
		case tokEOF:
			return fmt.Errorf("cfgfile: unterminated section")
		case tokLBrace:
			depth++
		case tokRBrace:
			depth--
		}
		p.advance()
	}
	return nil
}

func (p *parser) handleTopLevelCall(cfg *Config, name string, args []string) error {
	switch name {
	case "include":
		if len(args) != 1 {
			return fmt.Errorf("'include' requires 1 parameter")
		}
		return p.splice(args[0])
	case "define":
		return defineHelper(p.env, args, false)
	case "define!":
		return defineHelper(p.env, args, true)
	case "define-eval":
		return defineEvalHelper(p.env, args, false)
	case "define-eval!":
		return defineEvalHelper(p.env, args, true)
	default:
		return fmt.Errorf("unknown top-level function %q", name)
	}
}

func defineHelper(env Environment, args []string, override bool) error {
	if len(args) != 2 {
		return fmt.Errorf("'define' requires 2 parameters")
	}
	if _, set := env.Get(args[0]); override || !set {
		env.Set(args[0], args[1])
	}
	return nil
}

func defineEvalHelper(env Environment, args []string, override bool) error {
	if len(args) != 2 {
		return fmt.Errorf("'define-eval' requires 2 parameters")
	}
	result, err := evalmath.EvalString(args[1])
	if err != nil {
		return fmt.Errorf("error evaluating %q: %w", args[1], err)
	}
	return defineHelper(env, []string{args[0], result}, override)
}

func (p *parser) applyTopLevelAssignment(cfg *Config, name string, v value) error {
	switch name {
	case "meta-product":
		cfg.Meta.Product = v.scalar
	case "meta-description":
		cfg.Meta.Description = v.scalar
	case "meta-version":
		cfg.Meta.Version = v.scalar
	case "meta-author":
		cfg.Meta.Author = v.scalar
	case "meta-platform":
		cfg.Meta.Platform = v.scalar
	case "meta-architecture":
		cfg.Meta.Architecture = v.scalar
	case "meta-creation-date":
		cfg.Meta.CreationDate = v.scalar
	case "meta-fwup-version":
		cfg.Meta.FwupVersion = v.scalar
	case "meta-vcs-identifier":
		cfg.Meta.VCSIdentifier = v.scalar
	case "meta-misc":
		cfg.Meta.Misc = v.scalar
	case "meta-uuid":
		cfg.Meta.UUID = v.scalar
	case "require-fwup-version":
		cfg.RequireFwupVersion = v.scalar
	default:
		// Unrecognized top-level keys are kept silently, matching the
		// original's CFG_STR("__unknown", ...) catch-all for
		// forward-compatibility with newer manifests.
	}
	return nil
}
