package cmd

import (
	"fmt"
	"os"
	"strings"

	"flowproxy/config"
	"flowproxy/core"
	"flowproxy/logger"
)

// engineOptions translates the loaded configuration into core.Options.
// modeOverride and reverseOverride win over the config file when set.
func engineOptions(modeOverride, reverseOverride string) (core.Options, error) {
	p := config.AppConfig.Proxy
	modeStr := p.Mode
	if modeOverride != "" {
		modeStr = modeOverride
	}
	mode, err := core.ParseMode(modeStr)
	if err != nil {
		return core.Options{}, err
	}

	opts := core.Options{
		Mode: mode,
		Upstream: core.UpstreamOptions{
			ConnectTimeout: p.ConnectTimeout,
			SkipTLSVerify:  p.UpstreamSkipTLSVerify,
			ClientCertsDir: p.ClientCertsDir,
		},
		BodySizeLimit: p.BodySizeLimit,
		Pool: core.PoolOptions{
			MaxIdle:     p.Pool.MaxIdle,
			IdleTimeout: p.Pool.IdleTimeout,
			MaxLifetime: p.Pool.MaxLifetime,
		},
	}

	switch mode {
	case core.ModeReverse:
		target := p.ReverseTarget
		if reverseOverride != "" {
			target = reverseOverride
		}
		if target == "" {
			return core.Options{}, fmt.Errorf("reverse mode needs proxy.reverse_target or --reverse-target")
		}
		if opts.ReverseTarget, err = core.ParseReverseTarget(target); err != nil {
			return core.Options{}, err
		}
	case core.ModeTransparent:
		opts.Resolver = core.SystemResolver()
	}
	return opts, nil
}

// loadCertStore returns the leaf issuer: a fixed certificate when
// proxy.cert_file is set, otherwise the configured CA.
func loadCertStore() (*core.CertStore, error) {
	p := config.AppConfig.Proxy
	if p.CertFile != "" {
		cert, err := core.LoadFixedCert(p.CertFile)
		if err != nil {
			return nil, err
		}
		logger.ProxyInfo("Serving fixed certificate from %s for every host", p.CertFile)
		return core.NewFixedCertStore(cert), nil
	}

	if p.CACertPath != "" {
		if _, err := os.Stat(p.CACertPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("CA certificate %s not found, run 'flowproxy proxy init-ca' first", p.CACertPath)
		}
	}
	ca, err := core.LoadOrDefaultCA(p.CACertPath, p.CAKeyPath)
	if err != nil {
		return nil, err
	}
	return core.NewCertStore(ca), nil
}

// ruleController builds the configured interception rules, or nil when none
// are configured.
func ruleController() core.Controller {
	rules := config.AppConfig.Proxy.Rules
	if len(rules) == 0 {
		return nil
	}
	out := make([]core.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, core.Rule{
			Phase:     core.Phase(strings.ToLower(r.Phase)),
			Action:    r.Action,
			Host:      r.Host,
			PathRegex: r.PathRegex,
			Method:    r.Method,
		})
	}
	return core.NewRuleController(out, nil)
}

// newSession wires a proxy session from configuration. The journal, when
// open, receives every flow.
func newSession(modeOverride, reverseOverride string) (*core.Session, error) {
	opts, err := engineOptions(modeOverride, reverseOverride)
	if err != nil {
		return nil, err
	}
	certs, err := loadCertStore()
	if err != nil {
		return nil, err
	}
	s := core.NewSession(opts, certs, ruleController())
	if flowStore != nil {
		s.Sink = flowStore
	}
	return s, nil
}
