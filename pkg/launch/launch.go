// Package launch composes the proxy invocation from the launcher
// configuration: the command line that starts the OpenAPI proxy, the inner
// NetBox MCP server behind it, and the environment both inherit.
package launch

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/stacklok/netbox-mcp-launcher/pkg/envfile"
	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
	"github.com/stacklok/netbox-mcp-launcher/pkg/trust"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

const (
	uvCommand   = "uv"
	apiKeyFlag  = "--api-key"
	redactedArg = "<redacted>"
)

// secretEnv lists variables whose values never appear in rendered output.
var secretEnv = map[string]bool{
	config.APIKeyEnv:      true,
	config.NetBoxTokenEnv: true,
}

// Plan is a fully composed proxy invocation.
type Plan struct {
	// Command is the proxy executable, resolved through PATH at start.
	Command string
	// Args are the arguments following Command.
	Args []string
	// Env is the complete child environment in KEY=VALUE form, sorted by key.
	Env []string
	// Overlay holds the variables the launcher added or replaced on top of the
	// inherited environment.
	Overlay map[string]string

	secretArgs map[int]bool
}

// Build composes the invocation for cfg. baseEnv is the launcher's own
// environment, normally os.Environ().
func Build(cfg *config.Config, trustPlan *trust.Plan, v variant.Variant, baseEnv []string) (*Plan, error) {
	extraArgs, err := SplitArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, lerrors.NewInvalidConfigError(fmt.Sprintf("cannot parse %s", config.ExtraArgsEnv), err)
	}

	if trustPlan == nil {
		trustPlan = &trust.Plan{}
	}

	plan := &Plan{
		Command:    cfg.ProxyCommand,
		Overlay:    map[string]string{},
		secretArgs: map[int]bool{},
	}

	plan.Args = []string{
		"--host", cfg.ProxyHost,
		"--port", strconv.Itoa(config.ProxyPort),
	}
	switch {
	case v.RequiresAPIKey():
		plan.Args = append(plan.Args, apiKeyFlag, cfg.APIKey)
		plan.secretArgs[len(plan.Args)-1] = true
	case cfg.APIKey != "":
		logger.Warnf("%s is set but this build does not enforce an API key; it is ignored", config.APIKeyEnv)
	}

	// everything after the separator is the MCP server the proxy spawns
	plan.Args = append(plan.Args, "--", uvCommand, "run")
	plan.Args = append(plan.Args, trustPlan.UVArgs...)
	plan.Args = append(plan.Args, "--directory", cfg.AppDir, cfg.AppEntry)
	plan.Args = append(plan.Args, extraArgs...)

	if cfg.EnvFileDir != "" {
		fileEnv, err := envfile.LoadDirectory(cfg.EnvFileDir)
		if err != nil {
			return nil, lerrors.NewInvalidConfigError("cannot load env files", err)
		}
		for k, val := range fileEnv {
			plan.Overlay[k] = val
		}
	}
	for k, val := range trustPlan.Env {
		plan.Overlay[k] = val
	}

	plan.Env = mergeEnv(baseEnv, plan.Overlay)
	return plan, nil
}

// SplitArgs splits s into words using POSIX shell quoting rules. Only plain,
// single-quoted and double-quoted text is accepted; parameter expansion,
// command substitution and any other shell construct is rejected rather than
// expanded. Braces and glob characters are kept literally.
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	file, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(s), "")
	if err != nil {
		return nil, err
	}
	if len(file.Stmts) != 1 || len(file.Last) > 0 {
		return nil, errors.New("expected a single list of arguments")
	}
	stmt := file.Stmts[0]
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok || stmt.Negated || stmt.Background || stmt.Coprocess ||
		len(stmt.Redirs) > 0 || len(stmt.Comments) > 0 || len(call.Assigns) > 0 {
		return nil, errors.New("only plain arguments are allowed")
	}

	args := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		arg, err := literalWord(word)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func literalWord(word *syntax.Word) (string, error) {
	var b strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescape(p.Value, false))
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", fmt.Errorf("unsupported $'...' quoting at %s", p.Pos())
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			if p.Dollar {
				return "", fmt.Errorf("unsupported $\"...\" quoting at %s", p.Pos())
			}
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", fmt.Errorf("expansion is not allowed at %s", inner.Pos())
				}
				b.WriteString(unescape(lit.Value, true))
			}
		default:
			return "", fmt.Errorf("expansion is not allowed at %s", part.Pos())
		}
	}
	return b.String(), nil
}

// unescape removes shell backslash escapes. Inside double quotes only $, `,
// ", \ and newline are escapable.
func unescape(s string, quoted bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '\n':
			i++
		case !quoted || strings.IndexByte("$`\"\\", next) >= 0:
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Argv returns the full argument vector including the command.
func (p *Plan) Argv() []string {
	return append([]string{p.Command}, p.Args...)
}

// String renders the command line shell-quoted with secrets redacted.
func (p *Plan) String() string {
	words := make([]string, 0, len(p.Args)+1)
	words = append(words, quote(p.Command))
	for i, arg := range p.Args {
		if p.secretArgs[i] {
			arg = redactedArg
		}
		words = append(words, quote(arg))
	}
	return strings.Join(words, " ")
}

// Script renders a POSIX shell script equivalent to this plan, with secrets
// redacted. Only the overlay is exported; the rest of the environment is
// inherited as it would be by the launcher.
func (p *Plan) Script() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")

	keys := make([]string, 0, len(p.Overlay))
	for k := range p.Overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		val := p.Overlay[k]
		if secretEnv[k] {
			val = redactedArg
		}
		fmt.Fprintf(&b, "export %s=%s\n", k, quote(val))
	}

	b.WriteString("exec ")
	b.WriteString(p.String())
	b.WriteString("\n")
	return b.String()
}

// Getenv returns the value of key in the composed child environment.
func (p *Plan) Getenv(key string) string {
	prefix := key + "="
	for _, kv := range p.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		// only strings with NUL bytes cannot be quoted
		return strconv.Quote(s)
	}
	return q
}

// mergeEnv overlays values on base, drops the proxy API key (it travels on
// the command line only) and returns a sorted, de-duplicated KEY=VALUE list.
func mergeEnv(base []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	delete(merged, config.APIKeyEnv)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
