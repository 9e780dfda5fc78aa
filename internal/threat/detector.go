package threat

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentwall/agentwall/internal/registry"
)

// delegationMarker is the EIP-7702 delegation designator. An account whose
// code begins with these bytes delegates execution to the address that
// follows; a payload smuggling this marker could hand control of the wallet
// to arbitrary code.
var delegationMarker = []byte{0xef, 0x01, 0x00}

// Known 4-byte selectors.
var (
	selERC20Approve      = [4]byte{0x09, 0x5e, 0xa7, 0xb3} // approve(address,uint256)
	selIncreaseAllowance = [4]byte{0x39, 0x50, 0x93, 0x51} // increaseAllowance(address,uint256)

	// Permit2 approval-granting functions.
	permit2Selectors = map[[4]byte]string{
		{0x87, 0x51, 0x7c, 0x45}: "approve(address,address,uint160,uint48)",
		{0x2b, 0x67, 0xb5, 0x70}: "permit(address,PermitSingle,bytes)",
		{0x2a, 0x2d, 0x80, 0xd1}: "permit(address,PermitBatch,bytes)",
	}

	// Selectors associated with destructive or control-transferring operations.
	dangerousSelectors = map[[4]byte]string{
		{0x36, 0x59, 0xcf, 0xe6}: "upgradeTo(address)",
		{0x4f, 0x1e, 0xf2, 0x86}: "upgradeToAndCall(address,bytes)",
		{0x1c, 0xff, 0x79, 0xcd}: "execute(address,bytes)",
		{0x8f, 0x28, 0x39, 0x70}: "changeAdmin(address)",
	}
)

// maxUint256 is the canonical "unlimited" ERC-20 approval amount.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Thresholds for the bulk suspicious-payload heuristic.
const (
	bulkPayloadMin   = 1024
	bulkAddressCount = 10
)

// Config tunes the detector.
type Config struct {
	Strict bool
	// UnlimitedThreshold: approvals at or above this are treated as
	// effectively unlimited. Defaults to 2^255.
	UnlimitedThreshold *big.Int
}

// Detector runs the check battery against the contract registry.
type Detector struct {
	registry  *registry.Registry
	strict    bool
	unlimited *big.Int
	hubAddr   common.Address
}

// NewDetector creates a threat detector.
func NewDetector(reg *registry.Registry, cfg Config) *Detector {
	unlimited := cfg.UnlimitedThreshold
	if unlimited == nil {
		unlimited = new(big.Int).Lsh(big.NewInt(1), 255)
	}
	return &Detector{
		registry:  reg,
		strict:    cfg.Strict,
		unlimited: unlimited,
		hubAddr:   common.HexToAddress(registry.Permit2Address),
	}
}

// Inspect runs every check and aggregates the findings. allowedTiers, when
// non-empty, restricts which registry risk tiers the caller may transact
// with; a resolved contract outside the set is a critical finding.
func (d *Detector) Inspect(destination common.Address, value *big.Int, payload []byte, allowedTiers []registry.RiskTier) *Verdict {
	v := &Verdict{}

	record := d.checkWhitelist(v, destination)
	v.Record = record

	d.checkTierRisk(v, record, allowedTiers)
	d.checkDelegationHijack(v, payload)
	d.checkHiddenApproval(v, destination, payload)
	d.checkDangerousSelector(v, payload)
	d.checkExcessiveApproval(v, payload)
	d.checkBulkPayload(v, payload)

	v.Allowed = len(v.Criticals()) == 0

	switch {
	case record != nil:
		v.Risk = record.Risk
	case d.strict:
		v.Risk = registry.RiskBlocked
	default:
		v.Risk = registry.RiskHigh
	}
	if !v.Allowed {
		// A rejected transaction reports at least high risk regardless of
		// what the registry says about the destination.
		if v.Risk == registry.RiskLow || v.Risk == registry.RiskMedium {
			v.Risk = registry.RiskHigh
		}
	}

	return v
}

// checkWhitelist resolves the destination against the registry.
func (d *Detector) checkWhitelist(v *Verdict, destination common.Address) *registry.ContractRecord {
	addr := destination.Hex()

	if d.registry.IsBlocked(addr) {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindBlockedContract,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("destination %s is block-listed", addr),
		})
		return nil
	}

	allowed, reason, record := d.registry.ValidateTarget(addr, d.strict)
	if !allowed {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindUnknownContract,
			Severity:    SeverityCritical,
			Description: reason,
		})
		return record
	}
	if record == nil {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindUnknownContract,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("destination %s is not in the contract registry", addr),
			Recommendation: "add the contract to the whitelist override file if it is trusted",
		})
	}
	return record
}

// checkTierRisk rejects contracts whose tier the caller's policy does not permit.
func (d *Detector) checkTierRisk(v *Verdict, record *registry.ContractRecord, allowedTiers []registry.RiskTier) {
	if record == nil || len(allowedTiers) == 0 {
		return
	}
	for _, t := range allowedTiers {
		if record.Risk == t {
			return
		}
	}
	v.Findings = append(v.Findings, Finding{
		Kind:     KindTierRiskMismatch,
		Severity: SeverityCritical,
		Description: fmt.Sprintf("contract %s has risk tier %s, outside the wallet's permitted tiers",
			record.Name, record.Risk),
		Details: map[string]string{"risk": string(record.Risk)},
	})
}

// checkDelegationHijack scans the payload for the delegation designator.
// The marker is rejected anywhere in the payload, whatever the destination's
// whitelist status: a whitelisted router forwarding attacker calldata is
// exactly the scenario this guards against.
func (d *Detector) checkDelegationHijack(v *Verdict, payload []byte) {
	idx := bytes.Index(payload, delegationMarker)
	if idx < 0 {
		return
	}

	details := map[string]string{"offset": fmt.Sprintf("%d", idx)}
	// The designator is followed by the delegate address when it encodes a
	// real delegation record; surface it for the audit trail.
	if len(payload) >= idx+3+20 {
		details["delegate"] = "0x" + hex.EncodeToString(payload[idx+3:idx+3+20])
	}

	v.Findings = append(v.Findings, Finding{
		Kind:        KindDelegationHijack,
		Severity:    SeverityCritical,
		Description: "payload contains an account-delegation designator; this could hand control of the wallet to arbitrary code",
		Details:     details,
	})
}

// checkHiddenApproval flags interactions that can grant token allowances
// without a visible approve call.
func (d *Detector) checkHiddenApproval(v *Verdict, destination common.Address, payload []byte) {
	direct := destination == d.hubAddr

	if direct {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindHiddenApproval,
			Severity:    SeverityWarning,
			Description: "transaction targets the Permit2 approval hub",
			Recommendation: "verify the spender and allowance before approving",
		})
	}

	if sel, ok := selector(payload); ok {
		if name, flagged := permit2Selectors[sel]; flagged {
			sev := SeverityWarning
			if d.strict {
				sev = SeverityCritical
			}
			v.Findings = append(v.Findings, Finding{
				Kind:        KindHiddenApproval,
				Severity:    sev,
				Description: fmt.Sprintf("payload invokes approval-granting function %s", name),
				Details:     map[string]string{"selector": "0x" + hex.EncodeToString(sel[:])},
			})
		}
	}

	// Hub address embedded in a payload directed elsewhere: possible
	// disguised grant routed through an intermediary.
	if !direct && bytes.Contains(payload, d.hubAddr.Bytes()) {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindHiddenApproval,
			Severity:    SeverityWarning,
			Description: "payload embeds the Permit2 approval hub address while targeting a different contract",
		})
	}
}

// checkDangerousSelector rejects calls to destructive operations.
func (d *Detector) checkDangerousSelector(v *Verdict, payload []byte) {
	sel, ok := selector(payload)
	if !ok {
		return
	}
	if name, bad := dangerousSelectors[sel]; bad {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindDangerousOpcode,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("payload invokes dangerous function %s", name),
			Details:     map[string]string{"selector": "0x" + hex.EncodeToString(sel[:])},
		})
	}
}

// checkExcessiveApproval decodes standard two-argument approval calls and
// warns when the granted amount is effectively unlimited.
func (d *Detector) checkExcessiveApproval(v *Verdict, payload []byte) {
	sel, ok := selector(payload)
	if !ok {
		return
	}
	if sel != selERC20Approve && sel != selIncreaseAllowance {
		return
	}
	if len(payload) < 4+32+32 {
		return
	}

	spender := common.BytesToAddress(payload[4+12 : 4+32])
	amount := new(big.Int).SetBytes(payload[4+32 : 4+64])

	if amount.Cmp(maxUint256) == 0 || amount.Cmp(d.unlimited) >= 0 {
		v.Findings = append(v.Findings, Finding{
			Kind:        KindExcessiveApproval,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("approval grants an effectively unlimited allowance to %s", spender.Hex()),
			Details: map[string]string{
				"spender": spender.Hex(),
				"amount":  amount.String(),
			},
			Recommendation: "grant a bounded allowance covering only the intended spend",
		})
	}
}

// checkBulkPayload applies a heuristic for hidden batched operations: very
// large payloads carrying an unusual number of address-shaped words.
func (d *Detector) checkBulkPayload(v *Verdict, payload []byte) {
	if len(payload) < bulkPayloadMin {
		return
	}

	count := countAddressWords(payload)
	if count <= bulkAddressCount {
		return
	}

	v.Findings = append(v.Findings, Finding{
		Kind:     KindSuspiciousPayload,
		Severity: SeverityWarning,
		Description: fmt.Sprintf("large payload contains %d address-shaped values; possible hidden batched operation", count),
		Details: map[string]string{
			"payload_bytes": fmt.Sprintf("%d", len(payload)),
			"addresses":     fmt.Sprintf("%d", count),
		},
	})
}

// countAddressWords counts 32-byte words that look like ABI-encoded addresses:
// 12 zero bytes followed by 20 bytes that are not all zero.
func countAddressWords(payload []byte) int {
	// Skip the selector so words align with ABI encoding.
	body := payload
	if len(body) >= 4 {
		body = body[4:]
	}

	count := 0
	for i := 0; i+32 <= len(body); i += 32 {
		word := body[i : i+32]
		if !allZero(word[:12]) {
			continue
		}
		if allZero(word[12:]) {
			continue
		}
		count++
	}
	return count
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// selector extracts the 4-byte function selector, if present.
func selector(payload []byte) ([4]byte, bool) {
	var sel [4]byte
	if len(payload) < 4 {
		return sel, false
	}
	copy(sel[:], payload[:4])
	return sel, true
}
