// Package spam combines upstream protocol-layer verdicts into a single
// numeric score. The engine is a pure function: same verdicts and weights
// always produce the same score. Classification against the threshold is the
// caller's one-line comparison.
package spam

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Well-known verdict keys, produced by the protocol layer
const (
	VerdictSPF        = "spf"
	VerdictDKIM       = "dkim"
	VerdictDMARC      = "dmarc"
	VerdictReputation = "reputation"
	VerdictBlocklist  = "blocklist"
	VerdictAntivirus  = "antivirus"
	VerdictAttachment = "attachment_policy"
	VerdictReverseDNS = "reverse_dns"
	VerdictHELO       = "helo"
	VerdictTLS        = "tls"
)

// Verdict results
const (
	ResultPass     = "pass"
	ResultFail     = "fail"
	ResultSoftFail = "softfail"
	ResultBad      = "bad"
	ResultOff      = "off"
)

// Reason codes, also the keys of the weight table
const (
	ReasonSPFFail        = "SPF_FAIL"
	ReasonSPFSoftFail    = "SPF_SOFTFAIL"
	ReasonDKIMPass       = "DKIM_PASS"
	ReasonDKIMFail       = "DKIM_FAIL"
	ReasonDMARCFail      = "DMARC_FAIL"
	ReasonReputationBad  = "REPUTATION_BAD"
	ReasonBlocklistHit   = "BLOCKLIST_HIT"
	ReasonVirusDetected  = "VIRUS_DETECTED"
	ReasonAttachmentFail = "ATTACHMENT_POLICY_FAIL"
	ReasonRDNSFail       = "RDNS_FAIL"
	ReasonHELOFail       = "HELO_CHECK_FAIL"
	ReasonPlaintext      = "PLAINTEXT_TRANSPORT"
	ReasonKeywordSpam    = "KEYWORD_SPAM"
)

// Verdict is one named pass/fail/score record computed upstream. Score
// carries the upstream system's own severity where it grades one (sender
// reputation) and takes precedence over the static weight.
type Verdict struct {
	Result string   `json:"result"`
	Score  float64  `json:"score,omitempty"`
	Hits   []string `json:"hits,omitempty"`
}

// VerdictSet is the string-keyed verdict bag handed over per transaction
type VerdictSet map[string]Verdict

// rule maps a verdict key + result to a reason code. Evaluated in order so
// the reasons list is deterministic.
type rule struct {
	key    string
	result string
	reason string
}

var rules = []rule{
	{VerdictSPF, ResultFail, ReasonSPFFail},
	{VerdictSPF, ResultSoftFail, ReasonSPFSoftFail},
	{VerdictDKIM, ResultPass, ReasonDKIMPass},
	{VerdictDKIM, ResultFail, ReasonDKIMFail},
	{VerdictDMARC, ResultFail, ReasonDMARCFail},
	{VerdictReputation, ResultBad, ReasonReputationBad},
	{VerdictAntivirus, ResultFail, ReasonVirusDetected},
	{VerdictAttachment, ResultFail, ReasonAttachmentFail},
	{VerdictReverseDNS, ResultFail, ReasonRDNSFail},
	{VerdictHELO, ResultFail, ReasonHELOFail},
	{VerdictTLS, ResultOff, ReasonPlaintext},
}

// DefaultWeights returns the built-in weight table. Values can be overridden
// per deployment via ParseWeightOverrides.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		ReasonSPFFail:        5,
		ReasonSPFSoftFail:    2.5,
		ReasonDKIMPass:       -2,
		ReasonDKIMFail:       3,
		ReasonDMARCFail:      4,
		ReasonReputationBad:  4,
		ReasonBlocklistHit:   6,
		ReasonVirusDetected:  10,
		ReasonAttachmentFail: 4,
		ReasonRDNSFail:       2,
		ReasonHELOFail:       1,
		ReasonPlaintext:      1,
		ReasonKeywordSpam:    3,
	}
}

// DefaultKeywords is the lightweight subject-line heuristic word list
func DefaultKeywords() []string {
	return []string{
		"viagra", "lottery", "winner", "free money", "act now",
		"100% free", "risk-free", "casino", "prince", "wire transfer",
	}
}

// ParseWeightOverrides parses "CODE=weight,CODE=weight" into a weight map
// layered over the defaults. Unknown codes are rejected.
func ParseWeightOverrides(s string) (map[string]float64, error) {
	weights := DefaultWeights()
	if s == "" {
		return weights, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed weight override %q", pair)
		}
		code := strings.TrimSpace(parts[0])
		if _, ok := weights[code]; !ok {
			return nil, fmt.Errorf("unknown reason code %q", code)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad weight for %s: %w", code, err)
		}
		weights[code] = w
	}
	return weights, nil
}

// Engine scores verdict sets against a weight table
type Engine struct {
	weights  map[string]float64
	keywords []string
}

func NewEngine(weights map[string]float64, keywords []string) *Engine {
	if weights == nil {
		weights = DefaultWeights()
	}
	if keywords == nil {
		keywords = DefaultKeywords()
	}
	return &Engine{weights: weights, keywords: keywords}
}

// Score sums the weights of triggered conditions and returns the rounded
// total plus one "CODE (weight)" reason per trigger. Each verdict contributes
// at most once.
func (e *Engine) Score(verdicts VerdictSet, subject string) (int, []string) {
	var total float64
	var reasons []string

	trigger := func(reason string, w float64) {
		total += w
		reasons = append(reasons, fmt.Sprintf("%s (%s)", reason, formatWeight(w)))
	}

	for _, r := range rules {
		v, ok := verdicts[r.key]
		if !ok {
			continue
		}
		if strings.EqualFold(v.Result, r.result) {
			w := e.weights[r.reason]
			// Reputation systems grade their own severity
			if r.reason == ReasonReputationBad && v.Score != 0 {
				w = v.Score
			}
			trigger(r.reason, w)
		}
	}

	// Blocklists trigger on any hit, once, regardless of how many lists
	// matched.
	if v, ok := verdicts[VerdictBlocklist]; ok && len(v.Hits) > 0 {
		trigger(ReasonBlocklistHit, e.weights[ReasonBlocklistHit])
	}

	if e.subjectMatches(subject) {
		trigger(ReasonKeywordSpam, e.weights[ReasonKeywordSpam])
	}

	return int(math.Round(total)), reasons
}

func (e *Engine) subjectMatches(subject string) bool {
	subject = strings.ToLower(subject)
	for _, kw := range e.keywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}
	return false
}

// formatWeight renders 5 as "5" and 2.5 as "2.5"
func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}
