package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

type loc struct {
	file string
	line int
}

type issue struct {
	msg string
}

type patterns struct {
	actionDefRe *regexp.Regexp
	onTypedRe   *regexp.Regexp
	onRe        *regexp.Regexp
	afterRe     *regexp.Regexp
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("validate-routes", flag.ContinueOnError)
	var (
		actionsPath = fs.String("actions", "protocol/action.go", "path to the protocol action constants")
		routesPaths = fs.String("routes", "internal/station/endpoint.go", "comma separated files declaring routing tables")
		require     = fs.String("require", "BootNotification,Heartbeat", "comma separated actions that must have a primary handler")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	scan, issues := parseFiles(*actionsPath, splitList(*routesPaths))
	issues = append(issues, validateConsistency(scan, splitList(*require))...)

	if len(issues) == 0 {
		fmt.Printf(
			"ok: route declarations look consistent (actions=%d primary=%d post=%d files=%d)\n",
			len(scan.actions),
			len(scan.primaries),
			len(scan.posts),
			scan.scanned,
		)
		return 0
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].msg < issues[j].msg })
	for _, it := range issues {
		fmt.Printf("- %s\n", it.msg)
	}
	return 1
}

type actionDef struct {
	ident string
	value string
	loc   loc
}

type handlerRef struct {
	handler string
	loc     loc
}

// scanResult keys actions by wire name; idents maps constant identifiers
// to wire names and invalid holds constants already reported as misnamed.
type scanResult struct {
	actions   map[string]actionDef
	idents    map[string]string
	invalid   map[string]bool
	primaries map[string][]handlerRef
	posts     map[string][]handlerRef
	unknown   []issue
	scanned   int
}

// handlerExpr matches a method expression like (*Endpoint).Boot or a
// plain function name.
const handlerExpr = `\(\*?[0-9A-Za-z_.]+\)\.[0-9A-Za-z_]+|[0-9A-Za-z_.]+`

func defaultPatterns() patterns {
	return patterns{
		actionDefRe: regexp.MustCompile(`(?m)^\s*(Action[0-9A-Za-z_]*)\s+Action\s*=\s*"([^"]*)"\s*(?://.*)?$`),
		onTypedRe:   regexp.MustCompile(`routing\.OnTyped\(\s*\(\*?[0-9A-Za-z_.]+\)\.([0-9A-Za-z_]+)`),
		onRe:        regexp.MustCompile(`routing\.On\(\s*protocol\.(Action[0-9A-Za-z_]+)\s*,\s*(` + handlerExpr + `)`),
		afterRe:     regexp.MustCompile(`routing\.After\(\s*protocol\.(Action[0-9A-Za-z_]+)\s*,\s*(` + handlerExpr + `)`),
	}
}

func parseFiles(actionsPath string, routesPaths []string) (scanResult, []issue) {
	pat := defaultPatterns()
	out := scanResult{
		actions:   map[string]actionDef{},
		idents:    map[string]string{},
		invalid:   map[string]bool{},
		primaries: map[string][]handlerRef{},
		posts:     map[string][]handlerRef{},
	}
	byValue := map[string][]actionDef{}

	var issues []issue
	issues = append(issues, scanActionFile(actionsPath, pat, &out, byValue)...)
	if len(byValue) == 0 {
		issues = append(issues, issue{msg: fmt.Sprintf("no Action* constants found in %s", actionsPath)})
	}
	issues = append(issues, duplicateValueIssues(byValue)...)

	if len(routesPaths) == 0 {
		issues = append(issues, issue{msg: "no route files given"})
	}
	for _, p := range routesPaths {
		issues = append(issues, scanRoutesFile(p, pat, &out)...)
	}
	if len(out.primaries) == 0 && len(out.posts) == 0 && len(routesPaths) > 0 {
		issues = append(issues, issue{msg: fmt.Sprintf("no routing.On/OnTyped/After declarations found in %s", strings.Join(routesPaths, ", "))})
	}
	return out, append(issues, out.unknown...)
}

func scanActionFile(path string, pat patterns, out *scanResult, byValue map[string][]actionDef) []issue {
	b, err := os.ReadFile(path)
	if err != nil {
		return []issue{{msg: fmt.Sprintf("read %s: %v", path, err)}}
	}
	out.scanned++
	s := string(b)

	var issues []issue
	for _, mi := range pat.actionDefRe.FindAllStringSubmatchIndex(s, -1) {
		def := actionDef{
			ident: s[mi[2]:mi[3]],
			value: s[mi[4]:mi[5]],
			loc:   loc{file: path, line: lineNumber(s, mi[0])},
		}
		byValue[def.value] = append(byValue[def.value], def)
		if want := "Action" + def.value; def.ident != want {
			issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: protocol.%s must be named %s for wire name %q", path, def.loc.line, def.ident, want, def.value)})
			out.invalid[def.ident] = true
			continue
		}
		out.actions[def.value] = def
		out.idents[def.ident] = def.value
	}
	return issues
}

func scanRoutesFile(path string, pat patterns, out *scanResult) []issue {
	b, err := os.ReadFile(path)
	if err != nil {
		return []issue{{msg: fmt.Sprintf("read %s: %v", path, err)}}
	}
	out.scanned++
	s := string(b)

	// Typed handlers are named after the action their request type derives.
	for _, mi := range pat.onTypedRe.FindAllStringSubmatchIndex(s, -1) {
		method := s[mi[2]:mi[3]]
		where := loc{file: path, line: lineNumber(s, mi[0])}
		if _, ok := out.actions[method]; !ok {
			out.unknown = append(out.unknown, issue{msg: fmt.Sprintf("%s:%d: typed handler %s does not name a known action", where.file, where.line, method)})
			continue
		}
		out.primaries[method] = append(out.primaries[method], handlerRef{handler: method, loc: where})
	}
	scanRefs(path, s, pat.onRe, out, out.primaries)
	scanRefs(path, s, pat.afterRe, out, out.posts)
	return nil
}

func scanRefs(path, s string, re *regexp.Regexp, out *scanResult, into map[string][]handlerRef) {
	for _, mi := range re.FindAllStringSubmatchIndex(s, -1) {
		ident := s[mi[2]:mi[3]]
		handler := strings.TrimSpace(s[mi[4]:mi[5]])
		where := loc{file: path, line: lineNumber(s, mi[0])}
		if out.invalid[ident] {
			continue
		}
		action, ok := out.idents[ident]
		if !ok {
			out.unknown = append(out.unknown, issue{msg: fmt.Sprintf("%s:%d: route references unknown action protocol.%s", where.file, where.line, ident)})
			continue
		}
		into[action] = append(into[action], handlerRef{handler: handler, loc: where})
	}
}

func validateConsistency(scan scanResult, required []string) []issue {
	var issues []issue
	issues = append(issues, validatePostsHavePrimary(scan)...)
	issues = append(issues, validateSinglePrimary(scan)...)
	issues = append(issues, validateSinglePost(scan)...)
	issues = append(issues, validateRequired(scan, required)...)
	return issues
}

func validatePostsHavePrimary(scan scanResult) []issue {
	var issues []issue
	for action, refs := range scan.posts {
		if len(scan.primaries[action]) > 0 {
			continue
		}
		where := refs[0].loc
		issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: post handler %s for %s has no primary handler and will never run", where.file, where.line, refs[0].handler, action)})
	}
	return issues
}

// validateSinglePrimary reports actions whose primary handler is declared
// more than once: only the last declaration takes effect.
func validateSinglePrimary(scan scanResult) []issue {
	var issues []issue
	for action, refs := range scan.primaries {
		if len(refs) > 1 {
			issues = append(issues, issue{msg: fmt.Sprintf("multiple primary handlers for %s, last one wins: %s", action, describeRefs(refs))})
		}
	}
	return issues
}

func validateSinglePost(scan scanResult) []issue {
	var issues []issue
	for action, refs := range scan.posts {
		if len(refs) > 1 {
			issues = append(issues, issue{msg: fmt.Sprintf("multiple post handlers for %s, last one wins: %s", action, describeRefs(refs))})
		}
	}
	return issues
}

func validateRequired(scan scanResult, required []string) []issue {
	var issues []issue
	for _, action := range required {
		if _, ok := scan.actions[action]; !ok {
			issues = append(issues, issue{msg: fmt.Sprintf("required action %s is not defined", action)})
			continue
		}
		if len(scan.primaries[action]) == 0 {
			issues = append(issues, issue{msg: fmt.Sprintf("required action %s has no primary handler", action)})
		}
	}
	return issues
}

func duplicateValueIssues(byValue map[string][]actionDef) []issue {
	var issues []issue
	for v, defs := range byValue {
		if len(defs) > 1 {
			items := make([]string, 0, len(defs))
			for _, d := range defs {
				items = append(items, fmt.Sprintf("%s(%s:%d)", d.ident, d.loc.file, d.loc.line))
			}
			sort.Strings(items)
			issues = append(issues, issue{msg: fmt.Sprintf("duplicate action value %q: %v", v, items)})
		}
	}
	return issues
}

func describeRefs(refs []handlerRef) string {
	items := make([]string, 0, len(refs))
	for _, r := range refs {
		items = append(items, fmt.Sprintf("%s(%s:%d)", r.handler, r.loc.file, r.loc.line))
	}
	return strings.Join(items, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lineNumber(s string, idx int) int {
	if idx <= 0 {
		return 1
	}
	return strings.Count(s[:min(idx, len(s))], "\n") + 1
}
