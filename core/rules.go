package core

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"flowproxy/logger"
	"flowproxy/models"
)

const (
	ActionForward = "forward"
	ActionKill    = "kill"
)

// Rule is one interception rule. Empty match fields match anything.
type Rule struct {
	Phase     Phase
	Action    string
	Host      string // exact, "*.example.com" or a CIDR
	PathRegex string
	Method    string
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s host=%q path=%q method=%q", r.Phase, r.Action, r.Host, r.PathRegex, r.Method)
}

type compiledRule struct {
	Rule
	path    *regexp.Regexp
	cidr    *net.IPNet
	invalid bool
}

// RuleController applies the first matching rule of the checkpoint's phase.
// Flows no rule matches go to Next, or are forwarded when Next is nil.
type RuleController struct {
	rules []compiledRule
	Next  Controller
}

func NewRuleController(rules []Rule, next Controller) *RuleController {
	rc := &RuleController{Next: next}
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		if cr.Phase == "" {
			cr.Phase = PhaseRequest
		}
		cr.Action = strings.ToLower(cr.Action)
		if cr.Action != ActionKill && cr.Action != ActionForward {
			logger.ProxyError("Rule %s has unknown action, ignoring it", r)
			cr.invalid = true
		}
		if r.PathRegex != "" {
			re, err := regexp.Compile(r.PathRegex)
			if err != nil {
				logger.ProxyError("Invalid path regex in rule %s: %v", r, err)
				cr.invalid = true
			}
			cr.path = re
		}
		if strings.Contains(r.Host, "/") {
			if _, n, err := net.ParseCIDR(r.Host); err == nil {
				cr.cidr = n
			}
		}
		rc.rules = append(rc.rules, cr)
	}
	return rc
}

func matchesHost(pattern, hostname string, cidr *net.IPNet) bool {
	if pattern == "" {
		return true
	}
	hostname = strings.ToLower(hostname)
	if cidr != nil {
		ip := net.ParseIP(hostname)
		return ip != nil && cidr.Contains(ip)
	}
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		domainPart := strings.TrimPrefix(pattern, "*.")
		return hostname == domainPart || strings.HasSuffix(hostname, "."+domainPart)
	}
	return hostname == pattern
}

func (r *compiledRule) matches(phase Phase, req *models.Request) bool {
	if r.invalid || r.Phase != phase || req == nil {
		return false
	}
	if r.Method != "" && !strings.EqualFold(r.Method, req.Method) {
		return false
	}
	if !matchesHost(r.Host, req.Host, r.cidr) {
		return false
	}
	if r.path != nil && !r.path.MatchString(req.Path) {
		return false
	}
	return true
}

func (rc *RuleController) decide(phase Phase, f *models.Flow) (Verdict, bool) {
	req := f.Snapshot().Request
	for i := range rc.rules {
		r := &rc.rules[i]
		if !r.matches(phase, req) {
			continue
		}
		logger.ProxyDebug("Flow %s matched rule %s", f.ID, r.Rule)
		if r.Action == ActionKill {
			return Kill(), true
		}
		return Forward(), true
	}
	return Verdict{}, false
}

func (rc *RuleController) OnRequest(f *models.Flow) Verdict {
	if v, ok := rc.decide(PhaseRequest, f); ok {
		return v
	}
	if rc.Next != nil {
		return rc.Next.OnRequest(f)
	}
	return Forward()
}

func (rc *RuleController) OnResponse(f *models.Flow) Verdict {
	if v, ok := rc.decide(PhaseResponse, f); ok {
		return v
	}
	if rc.Next != nil {
		return rc.Next.OnResponse(f)
	}
	return Forward()
}
