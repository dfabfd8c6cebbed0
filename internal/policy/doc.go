// Package policy turns CEL rules into TLS verify callbacks.
//
// Each verification step of a peer chain, from the trust anchor down to the
// leaf, is evaluated against the rules in priority order. The first rule
// whose expression is true accepts (allow) or rejects (deny) the step. When
// no rule matches, the configured default applies, or the verdict of the
// verification engine when no default is set.
//
// Expressions see these variables:
//
//	cert         map: subject, common_name, organization, issuer,
//	             issuer_common_name, dns_names, ip_addresses, serial,
//	             is_ca, self_signed, not_before, not_after, fingerprint
//	depth        int, 0 for the leaf
//	preverify    bool, the engine's verdict for this step
//	code         int, the verification code when preverify is false
//	error        string, its description
//	side         "client" or "server"
//	server_name  string
//	now          timestamp
//
// and the functions ip_in_range(ip, cidr) and host_matches(pattern, host).
//
//	engine, err := policy.NewEngine(&policy.Config{Rules: []policy.Rule{{
//	    Name:       "internal-only",
//	    Expression: `depth == 0 && !host_matches("*.internal.example", cert.common_name)`,
//	    Effect:     policy.EffectDeny,
//	}}})
//	ctx.SetVerify(ssl.VerifyPeer, engine.VerifyCallback())
package policy
