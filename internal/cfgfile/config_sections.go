package cfgfile

import (
	"fmt"
	"strconv"
)

// maxMBRPartitions and maxMBROSII bound the slot numbers carried by
// `partition "<N>"` and `osii "<N>"` section titles: 4 primary plus 12
// logical MBR partitions, and 15 OSIP image descriptors.
const (
	maxMBRPartitions = 16
	maxMBROSII       = 15
)

// parseFileResource parses a `file-resource "name" { ... }` body; the
// opening brace has already been consumed by parseStatement.
func (p *parser) parseFileResource(title string) (*FileResource, error) {
	fr := &FileResource{Name: title, AssertSizeLte: -1, AssertSizeGte: -1}
	for p.cur().kind != tokRBrace {
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		switch stmt.name {
		case "host-path":
			fr.HostPath = stmt.value.scalar
		case "skip-holes":
			fr.SkipHoles = stmt.value.asBool()
		case "length":
			lengths, err := stmt.value.asIntList()
			if err != nil {
				return nil, err
			}
			fr.Length = append(fr.Length, lengths...)
		case "contents":
			fr.Contents = []byte(stmt.value.scalar)
		case "blake2b-256":
			fr.Blake2b256 = stmt.value.scalar
		case "assert-size-lte":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			fr.AssertSizeLte = n
		case "assert-size-gte":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			fr.AssertSizeGte = n
		case "include":
			if err := p.splice(firstArg(stmt.args)); err != nil {
				return nil, err
			}
		}
	}
	p.advance() // closing '}'

	if fr.HostPath != "" && fr.Contents != nil {
		return nil, fmt.Errorf("only one of host-path or contents should be set for file-resource %q", title)
	}
	return fr, nil
}

func (p *parser) parseMBR(title string) (*MBR, error) {
	m := &MBR{Name: title, OSIPMajor: 1, OSIPNumPointers: 1}
	for p.cur().kind != tokRBrace {
		if p.cur().kind == tokIdent && (p.cur().text == "partition" || p.cur().text == "osii") {
			kind := p.advance().text
			sectionTitle := ""
			hasTitle := false
			if p.cur().kind == tokString {
				sectionTitle = p.advance().text
				hasTitle = true
			}
			if _, err := p.expect(tokLBrace, "'{'"); err != nil {
				return nil, err
			}
			if kind == "partition" {
				index, err := parseSectionIndex(sectionTitle, hasTitle, maxMBRPartitions, "partition")
				if err != nil {
					return nil, err
				}
				for _, existing := range m.Partitions {
					if existing.Index == index {
						return nil, fmt.Errorf("invalid or duplicate partition number found for %d", index)
					}
				}
				part, err := p.parseMBRPartition()
				if err != nil {
					return nil, err
				}
				part.Index = index
				m.Partitions = append(m.Partitions, part)
			} else {
				index, err := parseSectionIndex(sectionTitle, hasTitle, maxMBROSII, "osii")
				if err != nil {
					return nil, err
				}
				for _, existing := range m.OSII {
					if existing.Index == index {
						return nil, fmt.Errorf("invalid or duplicate osii number found")
					}
				}
				osii, err := p.parseMBROSII()
				if err != nil {
					return nil, err
				}
				osii.Index = index
				m.OSII = append(m.OSII, osii)
			}
			continue
		}

		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		switch stmt.name {
		case "bootstrap-code-host-path":
			m.BootstrapCodeHostPath = stmt.value.scalar
		case "bootstrap-code":
			m.BootstrapCode = stmt.value.scalar
		case "include-osip":
			m.IncludeOSIP = stmt.value.asBool()
		case "osip-major":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			m.OSIPMajor = int(n)
		case "osip-minor":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			m.OSIPMinor = int(n)
		case "osip-num-pointers":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			m.OSIPNumPointers = int(n)
		case "signature":
			m.Signature = stmt.value.scalar
		}
	}
	p.advance()
	return m, nil
}

// parseSectionIndex turns a `partition "<N>"`/`osii "<N>"` section title
// into its slot number. The title is the slot itself, not declaration
// order, so that out-of-order or gapped declarations (e.g. only "0" and
// "3") land in the right place.
func parseSectionIndex(title string, hasTitle bool, max int, kind string) (int, error) {
	if !hasTitle {
		return 0, fmt.Errorf("%s section must be numbered 0 through %d", kind, max-1)
	}
	n, err := strconv.ParseInt(title, 0, 32)
	if err != nil || n < 0 || int(n) >= max {
		return 0, fmt.Errorf("%s must be numbered 0 through %d", kind, max-1)
	}
	return int(n), nil
}

func (p *parser) parseMBRPartition() (*MBRPartition, error) {
	part := &MBRPartition{BlockCount: -1, Type: -1}
	for p.cur().kind != tokRBrace {
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		switch stmt.name {
		case "block-offset":
			part.BlockOffset = stmt.value.scalar
		case "block-count":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			part.BlockCount = n
		case "type":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			part.Type = int(n)
		case "boot":
			part.Boot = stmt.value.asBool()
		case "expand":
			part.Expand = stmt.value.asBool()
		}
	}
	p.advance()
	return part, nil
}

func (p *parser) parseMBROSII() (*MBROSII, error) {
	osii := &MBROSII{Attribute: 0xf}
	for p.cur().kind != tokRBrace {
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		n, numErr := stmt.value.asInt64()
		switch stmt.name {
		case "os-major":
			if numErr != nil {
				return nil, numErr
			}
			osii.OSMajor = int(n)
		case "os-minor":
			if numErr != nil {
				return nil, numErr
			}
			osii.OSMinor = int(n)
		case "start-block-offset":
			if numErr != nil {
				return nil, numErr
			}
			osii.StartBlockOffset = n
		case "ddr-load-address":
			if numErr != nil {
				return nil, numErr
			}
			osii.DDRLoadAddress = n
		case "entry-point":
			if numErr != nil {
				return nil, numErr
			}
			osii.EntryPoint = n
		case "image-size-blocks":
			if numErr != nil {
				return nil, numErr
			}
			osii.ImageSizeBlocks = n
		case "attribute":
			if numErr != nil {
				return nil, numErr
			}
			osii.Attribute = int(n)
		}
	}
	p.advance()
	return osii, nil
}

func (p *parser) parseGPT(title string) (*GPT, error) {
	g := &GPT{Name: title}
	for p.cur().kind != tokRBrace {
		if p.cur().kind == tokIdent && p.cur().text == "partition" {
			p.advance()
			partTitle := ""
			if p.cur().kind == tokString {
				partTitle = p.advance().text
			}
			if _, err := p.expect(tokLBrace, "'{'"); err != nil {
				return nil, err
			}
			part, err := p.parseGPTPartition(partTitle)
			if err != nil {
				return nil, err
			}
			g.Partitions = append(g.Partitions, part)
			continue
		}
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		if stmt.name == "guid" {
			g.GUID = stmt.value.scalar
		}
	}
	p.advance()
	return g, nil
}

func (p *parser) parseGPTPartition(title string) (*GPTPartition, error) {
	part := &GPTPartition{Name: title}
	for p.cur().kind != tokRBrace {
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		switch stmt.name {
		case "block-offset":
			part.BlockOffset = stmt.value.scalar
		case "block-count":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			part.BlockCount = n
		case "type":
			part.Type = stmt.value.scalar
		case "guid":
			part.GUID = stmt.value.scalar
		case "expand":
			part.Expand = stmt.value.asBool()
		}
	}
	p.advance()
	return part, nil
}

func (p *parser) parseUbootEnvironment(title string) (*UbootEnvironment, error) {
	u := &UbootEnvironment{Name: title, BlockOffset: -1, BlockOffsetRedund: -1}
	for p.cur().kind != tokRBrace {
		stmt, err := p.readAssignmentOrCall()
		if err != nil {
			return nil, err
		}
		switch stmt.name {
		case "block-offset":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			u.BlockOffset = n
		case "block-count":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			u.BlockCount = n
		case "block-offset-redund":
			n, err := stmt.value.asInt64()
			if err != nil {
				return nil, err
			}
			u.BlockOffsetRedund = n
		}
	}
	p.advance()
	return u, nil
}

var requirementFunctionNames = map[string]bool{
	"require-partition-offset":  true,
	"require-fat-file-exists":   true,
	"require-uboot-variable":    true,
	"require-path-on-device":    true,
	"require-path-at-offset":    true,
	"require-fat-file-match":    true,
}

func (p *parser) parseTask(title string) (*Task, error) {
	t := &Task{Name: title, RequirePartition1Offset: -1, OnResource: map[string][]FunctionCall{}}
	for p.cur().kind != tokRBrace {
		switch {
		case p.cur().kind == tokIdent && (p.cur().text == "on-init" || p.cur().text == "on-finish" || p.cur().text == "on-error"):
			kind := p.advance().text
			if _, err := p.expect(tokLBrace, "'{'"); err != nil {
				return nil, err
			}
			calls, err := p.parseFunctionCallList()
			if err != nil {
				return nil, err
			}
			switch kind {
			case "on-init":
				t.OnInit = calls
			case "on-finish":
				t.OnFinish = calls
			case "on-error":
				t.OnError = calls
			}

		case p.cur().kind == tokIdent && p.cur().text == "on-resource":
			p.advance()
			resourceName, err := p.expect(tokString, "resource name")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokLBrace, "'{'"); err != nil {
				return nil, err
			}
			calls, err := p.parseFunctionCallList()
			if err != nil {
				return nil, err
			}
			t.AddOnResource(resourceName.text, calls)

		default:
			stmt, err := p.readAssignmentOrCall()
			if err != nil {
				return nil, err
			}
			if requirementFunctionNames[stmt.name] {
				t.ReqList = append(t.ReqList, FunctionCall{Name: stmt.name, Args: stmt.args})
				continue
			}
			switch stmt.name {
			case "require-partition1-offset":
				n, err := stmt.value.asInt64()
				if err != nil {
					return nil, err
				}
				t.RequirePartition1Offset = n
			case "require-unmounted-destination":
				t.RequireUnmountedDestination = stmt.value.asBool()
			case "include":
				if err := p.splice(firstArg(stmt.args)); err != nil {
					return nil, err
				}
			}
		}
	}
	p.advance()
	return t, nil
}

// parseFunctionCallList reads a sequence of bare function-call statements
// (the body of on-init/on-finish/on-error/on-resource) until the closing
// brace.
func (p *parser) parseFunctionCallList() ([]FunctionCall, error) {
	var calls []FunctionCall
	for p.cur().kind != tokRBrace {
		nameTok, err := p.expect(tokIdent, "function name")
		if err != nil {
			return nil, err
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		if nameTok.text == "include" {
			if err := p.splice(firstArg(args)); err != nil {
				return nil, err
			}
			continue
		}
		calls = append(calls, FunctionCall{Name: nameTok.text, Args: args})
	}
	p.advance()
	return calls, nil
}

// statement is one `key = value` or `key(args...)` line inside a section
// body, normalized so callers can handle either shape uniformly.
type statement struct {
	name  string
	value value
	args  []string
}

func (p *parser) readAssignmentOrCall() (statement, error) {
	nameTok, err := p.expect(tokIdent, "identifier")
	if err != nil {
		return statement{}, err
	}
	switch p.cur().kind {
	case tokEquals:
		p.advance()
		v, err := p.parseValue()
		if err != nil {
			return statement{}, err
		}
		return statement{name: nameTok.text, value: v}, nil
	case tokLParen:
		args, err := p.parseArgs()
		if err != nil {
			return statement{}, err
		}
		return statement{name: nameTok.text, args: args}, nil
	default:
		return statement{}, fmt.Errorf("cfgfile: line %d: expected '=' or '(' after %q", p.cur().line, nameTok.text)
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
