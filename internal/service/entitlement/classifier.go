package entitlement

import (
	"net/http"
	"strings"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
)

// Rule classifies requests by method and path. An empty Method matches any
// method; a Path ending in "/*" matches everything below it.
type Rule struct {
	Method string
	Path   string
	Class  entitlement.Classification
}

func (r Rule) matches(method, path string) bool {
	if r.Method != "" && r.Method != method {
		return false
	}
	if prefix, ok := strings.CutSuffix(r.Path, "/*"); ok {
		return underPrefix(path, prefix)
	}
	return r.Path == path
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Classifier maps inbound requests to gating rules. It fails closed: a
// request no rule matches is treated as PRO-restricted.
type Classifier struct {
	bypass []string
	rules  []Rule
}

// NewClassifier creates a classifier. Rules are checked in order.
func NewClassifier(bypassPrefixes []string, rules []Rule) *Classifier {
	return &Classifier{bypass: bypassPrefixes, rules: rules}
}

// Restricted is the classification used for requests no rule covers
var Restricted = entitlement.Classification{
	Kind:         entitlement.KindTierRestricted,
	RequiredTier: account.TierPro,
}

// Classify returns the classification for a request and whether a rule matched
func (c *Classifier) Classify(method, path string) (entitlement.Classification, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, prefix := range c.bypass {
		if underPrefix(path, prefix) {
			return entitlement.Classification{Kind: entitlement.KindBypass}, true
		}
	}
	for _, rule := range c.rules {
		if rule.matches(method, path) {
			return rule.Class, true
		}
	}
	return Restricted, false
}

// DefaultClassifier covers every route the API serves
func DefaultClassifier() *Classifier {
	standard := entitlement.Classification{Kind: entitlement.KindStandard}

	return NewClassifier(
		[]string{
			"/health",
			"/ready",
			"/metrics",
			"/docs",
			"/static",
			"/favicon.ico",
			"/api/v1/auth",
			"/api/v1/webhooks",
			"/api/v1/admin",
		},
		[]Rule{
			{Method: http.MethodGet, Path: "/api/v1/account/entitlements", Class: standard},
			{Method: http.MethodGet, Path: "/api/v1/account/usage", Class: standard},
			{Method: http.MethodGet, Path: "/api/v1/account/payments", Class: standard},
			{Method: http.MethodPut, Path: "/api/v1/account/preferences", Class: standard},
			{Method: http.MethodPost, Path: "/api/v1/resumes/process", Class: entitlement.Classification{
				Kind:       entitlement.KindMetered,
				UsageType:  account.UsageResumeProcessing,
				UsageCount: 1,
				ModeAware:  true,
			}},
			{Method: http.MethodPost, Path: "/api/v1/cover-letters", Class: entitlement.Classification{
				Kind:       entitlement.KindMetered,
				UsageType:  account.UsageCoverLetter,
				UsageCount: 1,
				ModeAware:  true,
			}},
			{Method: http.MethodPost, Path: "/api/v1/resumes/bulk", Class: entitlement.Classification{
				Kind:         entitlement.KindTierRestricted,
				RequiredTier: account.TierPro,
				UsageType:    account.UsageBulkProcessing,
				UsageCount:   1,
				ModeAware:    true,
			}},
		},
	)
}
