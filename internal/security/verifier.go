// Package security implements the tiered taint-verification supplement
// described in SPEC_FULL.md §C.1: a narrowing port PermissionGate can
// consult before a mutating call touching untrusted content executes.
// It does not replace the trust-mode table in spec.md §4.3 — it can only
// turn an Allow into a Deny/Modify when untrusted content is in play.
//
// Grounded on the teacher's pre-extraction
// src/internal/security/verifier.go (Tier1/Tier2/Tier3 structure,
// HighRiskTools, AuditTrail).
package security

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agentcore/core/internal/llm"
	"github.com/agentcore/core/internal/logging"
)

// TrustLevel tags a content block's provenance.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustVetted    TrustLevel = "vetted"
	TrustUntrusted TrustLevel = "untrusted"
)

// BlockType classifies the kind of content a Block carries.
type BlockType string

const (
	BlockUserInput  BlockType = "user_input"
	BlockToolResult BlockType = "tool_result"
	BlockSubAgent   BlockType = "subagent_summary"
	BlockWebContent BlockType = "web_content"
)

// Block is one piece of tainted or clean content tracked for lineage.
type Block struct {
	ID        string
	Trust     TrustLevel
	Type      BlockType
	Mutable   bool
	Content   string
	Source    string
	TaintedBy []*Block
}

// NewBlock constructs a Block with the given id.
func NewBlock(id string, trust TrustLevel, typ BlockType, mutable bool, content, source string) *Block {
	return &Block{ID: id, Trust: trust, Type: typ, Mutable: mutable, Content: content, Source: source}
}

// Mode is the security operation mode.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeParanoid Mode = "paranoid"
)

// HighRiskTools is the set of tools that require extra scrutiny when
// untrusted content is present in the thread.
var HighRiskTools = map[string]bool{
	"bash":        true,
	"write":       true,
	"edit":        true,
	"apply_patch": true,
	"web_fetch":   true,
	"spawn_agent": true,
}

// Config configures a Verifier.
type Config struct {
	Mode               Mode
	UserTrust          TrustLevel
	TriageProvider     llm.Provider
	SupervisorProvider llm.Provider
	Logger             *logging.Logger
}

// Verifier implements the tiered verification pipeline.
type Verifier struct {
	mode       Mode
	triage     *Triage
	supervisor *Supervisor
	audit      *AuditTrail
	logger     *logging.Logger

	blocksMu     sync.RWMutex
	blocks       []*Block
	blockCounter int
}

// NewVerifier creates a Verifier for a session.
func NewVerifier(cfg Config, sessionID string) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("security")
	}
	v := &Verifier{
		mode:   cfg.Mode,
		audit:  NewAuditTrail(sessionID),
		logger: logger,
	}
	if cfg.TriageProvider != nil {
		v.triage = NewTriage(cfg.TriageProvider)
	}
	if cfg.SupervisorProvider != nil {
		v.supervisor = NewSupervisor(cfg.SupervisorProvider)
	}
	return v
}

// AddBlock registers a content block for taint tracking.
func (v *Verifier) AddBlock(trust TrustLevel, typ BlockType, mutable bool, content, source string) *Block {
	v.blocksMu.Lock()
	defer v.blocksMu.Unlock()
	v.blockCounter++
	b := NewBlock(fmt.Sprintf("b%04d", v.blockCounter), trust, typ, mutable, content, source)
	v.blocks = append(v.blocks, b)
	return b
}

// ClearContext removes all tracked blocks (e.g. after compaction).
func (v *Verifier) ClearContext() {
	v.blocksMu.Lock()
	defer v.blocksMu.Unlock()
	v.blocks = nil
}

func (v *Verifier) untrustedBlocks() []*Block {
	v.blocksMu.RLock()
	defer v.blocksMu.RUnlock()
	var out []*Block
	for _, b := range v.blocks {
		if b.Trust == TrustUntrusted {
			out = append(out, b)
		}
	}
	return out
}

// Verdict is Tier 3's decision.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictModify Verdict = "modify"
)

// Result is the complete verification outcome for one call.
type Result struct {
	Allowed      bool
	ToolName     string
	DenyReason   string
	Modification string
	Tier1Reasons []string
	Tier2Ran     bool
	Tier3Ran     bool
}

// VerifyToolCall runs the tiered pipeline for a mutating call.
func (v *Verifier) VerifyToolCall(ctx context.Context, toolName string, args map[string]any, originalGoal string) (*Result, error) {
	result := &Result{Allowed: true, ToolName: toolName}

	t1 := v.tier1(toolName, args)
	result.Tier1Reasons = t1.Reasons
	if t1.Pass {
		return result, nil
	}

	v.logger.Info("tier 1 escalated", map[string]interface{}{"tool": toolName, "reasons": t1.Reasons})

	if v.mode != ModeParanoid && v.triage != nil {
		result.Tier2Ran = true
		triageResult, err := v.triage.Evaluate(ctx, TriageRequest{ToolName: toolName, ToolArgs: args, UntrustedBlock: t1.Block})
		if err == nil && !triageResult.Suspicious {
			return result, nil
		}
	}

	if v.supervisor == nil {
		result.Allowed = false
		result.DenyReason = "no security supervisor configured, denying high-risk action"
		v.audit.Record(t1.Block, toolName, result.DenyReason)
		return result, nil
	}

	result.Tier3Ran = true
	sv, err := v.supervisor.Evaluate(ctx, SupervisionRequest{
		ToolName:        toolName,
		ToolArgs:        args,
		UntrustedBlocks: v.untrustedBlocks(),
		OriginalGoal:    originalGoal,
		Tier1Flags:      t1.Reasons,
	})
	if err != nil {
		result.Allowed = false
		result.DenyReason = fmt.Sprintf("tier 3 error: %v", err)
		v.audit.Record(t1.Block, toolName, result.DenyReason)
		return result, nil
	}

	switch sv.Verdict {
	case VerdictAllow:
		result.Allowed = true
	case VerdictDeny:
		result.Allowed = false
		result.DenyReason = sv.Reason
	case VerdictModify:
		result.Allowed = false
		result.DenyReason = sv.Reason
		result.Modification = sv.Correction
	}
	v.audit.Record(t1.Block, toolName, string(sv.Verdict))
	return result, nil
}

type tier1Result struct {
	Pass    bool
	Reasons []string
	Block   *Block
}

func (v *Verifier) tier1(toolName string, args map[string]any) *tier1Result {
	result := &tier1Result{Pass: true}

	untrusted := v.untrustedBlocks()
	if len(untrusted) == 0 {
		return result
	}
	if !HighRiskTools[toolName] {
		return result
	}

	result.Pass = false
	result.Reasons = append(result.Reasons, "high_risk_tool:"+toolName)

	for _, b := range untrusted {
		for _, p := range DetectSuspiciousPatterns(b.Content) {
			result.Reasons = append(result.Reasons, "pattern:"+p)
			result.Block = b
		}
		if HasEncodedContent(b.Content) {
			result.Reasons = append(result.Reasons, "encoded_content")
			result.Block = b
		}
	}
	if result.Block == nil {
		result.Block = untrusted[0]
	}
	return result
}

// DetectSuspiciousPatterns scans content for common prompt-injection
// phrasing. A small fixed set, not a general-purpose classifier — Tier
// 2/3 handle anything subtler.
func DetectSuspiciousPatterns(content string) []string {
	lower := strings.ToLower(content)
	var hits []string
	for _, phrase := range []string{
		"ignore previous instructions",
		"ignore all previous",
		"disregard the above",
		"new instructions:",
		"system prompt:",
		"you are now",
	} {
		if strings.Contains(lower, phrase) {
			hits = append(hits, phrase)
		}
	}
	return hits
}

// HasEncodedContent flags content that looks like it's hiding a payload
// behind base64 or hex encoding at suspicious density.
func HasEncodedContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 40 {
		return false
	}
	var b64Chars int
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
			b64Chars++
		}
	}
	return float64(b64Chars)/float64(len(trimmed)) > 0.95 && !strings.Contains(trimmed, " ")
}
