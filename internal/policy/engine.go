package policy

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/pki"
	"github.com/vyrodovalexey/avatls/internal/ssl"
	"github.com/vyrodovalexey/avatls/internal/truststore"
)

const defaultRule = "default"

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Allowed reports whether the certificate is accepted.
	Allowed bool

	// Rule is the rule that decided, or "default".
	Rule string

	// Reason is a human readable explanation.
	Reason string
}

// Input is one verification step as seen by the policy.
type Input struct {
	Cert        *x509.Certificate
	Depth       int
	Code        truststore.Code
	PreverifyOK bool
	Side        string
	ServerName  string
	Now         time.Time
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Engine evaluates CEL verify rules.
type Engine struct {
	defaultEffect Effect
	logger        observability.Logger
	metrics       *Metrics
	env           *cel.Env

	mu    sync.RWMutex
	rules []compiledRule
}

// Option is a functional option for the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine compiles the rules of cfg.
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics("")
	}

	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e.env = env

	if cfg != nil {
		e.defaultEffect = cfg.Default
		for _, rule := range cfg.Rules {
			if err := e.AddRule(rule); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("cert", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("depth", cel.IntType),
		cel.Variable("preverify", cel.BoolType),
		cel.Variable("code", cel.IntType),
		cel.Variable("error", cel.StringType),
		cel.Variable("side", cel.StringType),
		cel.Variable("server_name", cel.StringType),
		cel.Variable("now", cel.TimestampType),

		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRangeBinding),
			),
		),
		cel.Function("host_matches",
			cel.Overload("host_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(hostMatchesBinding),
			),
		),
	)
}

// ipInRangeBinding checks if an IP is in a CIDR range (CEL binding).
func ipInRangeBinding(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return types.False
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsedIP))
}

// hostMatchesBinding matches a host name against a pattern whose first
// label may be "*" (CEL binding).
func hostMatchesBinding(pattern, host ref.Val) ref.Val {
	p, ok := pattern.Value().(string)
	if !ok {
		return types.False
	}
	h, ok := host.Value().(string)
	if !ok {
		return types.False
	}
	return types.Bool(MatchHostname(p, h))
}

// MatchHostname reports whether host matches pattern. A leading "*." in the
// pattern matches exactly one label.
func MatchHostname(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if pattern == "" || host == "" {
		return false
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		label, parent, found := strings.Cut(host, ".")
		return found && label != "" && parent == rest
	}
	return pattern == host
}

// AddRule compiles rule and adds it, replacing a rule with the same name.
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("rule %s: failed to compile expression: %w", rule.Name, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("rule %s: expression must evaluate to bool, got %s", rule.Name, out)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("rule %s: failed to create program: %w", rule.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled := compiledRule{Rule: rule, program: program}
	replaced := false
	for i := range e.rules {
		if e.rules[i].Name == rule.Name {
			e.rules[i] = compiled
			replaced = true
			break
		}
	}
	if !replaced {
		e.rules = append(e.rules, compiled)
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	e.metrics.SetRuleCount(len(e.rules))
	return nil
}

// RemoveRule removes the rule called name.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		if e.rules[i].Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			break
		}
	}
	e.metrics.SetRuleCount(len(e.rules))
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].Rule
	}
	return out
}

// Evaluate decides one verification step. A rule that fails at runtime is
// logged and skipped.
func (e *Engine) Evaluate(in *Input) Decision {
	start := time.Now()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	activation := activationFor(in)
	for i := range rules {
		rule := &rules[i]
		result, _, err := rule.program.Eval(activation)
		if err != nil {
			e.metrics.RecordEvaluationError(rule.Name)
			e.logger.Warn("CEL evaluation error",
				observability.String("rule", rule.Name),
				observability.Error(err),
			)
			continue
		}
		if matched, ok := result.Value().(bool); !ok || !matched {
			continue
		}

		d := Decision{
			Allowed: rule.GetEffectiveEffect() == EffectAllow,
			Rule:    rule.Name,
			Reason:  "matched rule: " + rule.Name,
		}
		e.record(d, in, time.Since(start))
		return d
	}

	d := Decision{Allowed: in.PreverifyOK, Rule: defaultRule, Reason: "no matching rule"}
	switch e.defaultEffect {
	case EffectAllow:
		d.Allowed = true
	case EffectDeny:
		d.Allowed = false
	}
	e.record(d, in, time.Since(start))
	return d
}

func (e *Engine) record(d Decision, in *Input, took time.Duration) {
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	e.metrics.RecordEvaluation(d.Rule, decision, took)
	e.logger.Debug("verify policy decision",
		observability.String("rule", d.Rule),
		observability.Bool("allowed", d.Allowed),
		observability.Int("depth", in.Depth),
		observability.Bool("preverify", in.PreverifyOK),
	)
}

func activationFor(in *Input) map[string]any {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	errText := ""
	if !in.PreverifyOK {
		errText = in.Code.String()
	}
	return map[string]any{
		"cert":        certAttributes(in.Cert),
		"depth":       int64(in.Depth),
		"preverify":   in.PreverifyOK,
		"code":        int64(in.Code),
		"error":       errText,
		"side":        in.Side,
		"server_name": in.ServerName,
		"now":         now,
	}
}

func certAttributes(c *x509.Certificate) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	ips := make([]string, 0, len(c.IPAddresses))
	for _, ip := range c.IPAddresses {
		ips = append(ips, ip.String())
	}
	sum := sha256.Sum256(c.Raw)
	serial := ""
	if c.SerialNumber != nil {
		serial = c.SerialNumber.String()
	}
	return map[string]any{
		"subject":            c.Subject.String(),
		"common_name":        c.Subject.CommonName,
		"organization":       append([]string{}, c.Subject.Organization...),
		"issuer":             c.Issuer.String(),
		"issuer_common_name": c.Issuer.CommonName,
		"dns_names":          append([]string{}, c.DNSNames...),
		"ip_addresses":       ips,
		"serial":             serial,
		"is_ca":              c.IsCA,
		"self_signed":        pki.IsSelfSigned(c),
		"not_before":         c.NotBefore,
		"not_after":          c.NotAfter,
		"fingerprint":        pki.FormatFingerprint(sum[:]),
	}
}

// VerifyCallback returns a verify callback that accepts or rejects each
// step according to the rules.
func (e *Engine) VerifyCallback() ssl.VerifyCallback {
	return func(conn *ssl.Connection, cert *pki.Certificate, code truststore.Code, depth int, preverifyOK bool) (bool, error) {
		in := &Input{
			Depth:       depth,
			Code:        code,
			PreverifyOK: preverifyOK,
			Side:        conn.Side(),
			ServerName:  conn.ServerName(),
		}
		if cert != nil {
			in.Cert = cert.X509()
		}
		return e.Evaluate(in).Allowed, nil
	}
}
