package server

import (
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/agentwall/agentwall/internal/ledger"
	"github.com/agentwall/agentwall/internal/pipeline"
	"github.com/agentwall/agentwall/internal/validation"
	"github.com/agentwall/agentwall/internal/wallet"
)

func bigChainID(id int64) *big.Int { return big.NewInt(id) }

// healthHandler reports aggregate subsystem health.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "subsystems": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type executeRequest struct {
	To        string  `json:"to" binding:"required"`
	ValueWei  string  `json:"valueWei"`
	Data      string  `json:"data"`
	AmountUSD float64 `json:"amountUsd"`
	Kind      string  `json:"kind"`
	Rationale string  `json:"rationale"`
	// Await blocks the request until the transaction confirms on chain. The
	// default returns as soon as the network accepts the transaction.
	Await bool `json:"await"`
}

// executeHandler runs one transaction through the pipeline. By default the
// response arrives once the transaction is submitted; with "await" set the
// request blocks through confirmation. Approval-tier callers block through
// the human decision either way and should set client timeouts accordingly.
func (s *Server) executeHandler(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if !validation.IsValidEthAddress(req.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be a 0x-prefixed hex address"})
		return
	}

	value := new(big.Int)
	if req.ValueWei != "" {
		if _, ok := value.SetString(req.ValueWei, 10); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "valueWei must be a decimal integer"})
			return
		}
	}

	var data []byte
	if req.Data != "" {
		decoded, err := decodeHex(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "data must be hex-encoded"})
			return
		}
		data = decoded
	}

	kind := req.Kind
	if kind == "" {
		kind = "contract_call"
		if len(data) == 0 {
			kind = "transfer"
		}
	}

	intent := pipeline.Intent{
		To:        common.HexToAddress(req.To),
		Value:     value,
		Data:      data,
		AmountUSD: req.AmountUSD,
		Kind:      kind,
		Rationale: validation.SanitizeText(req.Rationale, validation.MaxRationaleLength),
	}

	run := s.pipeline.Submit
	if req.Await {
		run = s.pipeline.Execute
	}
	result, err := run(c.Request.Context(), intent)
	if err != nil {
		s.executeError(c, err)
		return
	}

	if result.Unsigned != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"status":     "prepared",
			"decisionId": result.DecisionID,
			"unsignedTx": result.Unsigned,
		})
		return
	}

	if !req.Await {
		c.JSON(http.StatusAccepted, gin.H{
			"status":     "submitted",
			"decisionId": result.DecisionID,
			"txHash":     result.TxHash,
			"nonce":      result.Nonce,
			"approvalId": result.ApprovalID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "confirmed",
		"decisionId": result.DecisionID,
		"txHash":     result.TxHash,
		"nonce":      result.Nonce,
		"block":      result.BlockNumber,
		"gasUsed":    result.GasUsed,
		"approvalId": result.ApprovalID,
	})
}

func (s *Server) executeError(c *gin.Context, err error) {
	var stageErr *pipeline.StageError
	stage := ""
	if errors.As(err, &stageErr) {
		stage = string(stageErr.Stage)
	}

	var limitErr *ledger.LimitError
	switch {
	case errors.As(err, &limitErr):
		c.JSON(http.StatusForbidden, gin.H{"error": "limit_exceeded", "stage": stage, "message": err.Error()})
	case errors.Is(err, wallet.ErrThreatRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": "threat_rejected", "stage": stage, "message": err.Error()})
	case errors.Is(err, wallet.ErrPaused):
		c.JSON(http.StatusLocked, gin.H{"error": "paused", "stage": stage, "message": err.Error()})
	case errors.Is(err, wallet.ErrApprovalDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "approval_denied", "stage": stage, "message": err.Error()})
	case errors.Is(err, wallet.ErrApprovalExpired):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "approval_expired", "stage": stage, "message": err.Error()})
	case errors.Is(err, pipeline.ErrGasCeiling):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gas_ceiling", "stage": stage, "message": err.Error()})
	case errors.Is(err, ErrRPCUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rpc_unavailable", "stage": stage, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "execution_failed", "stage": stage, "message": err.Error()})
	}
}

// walletInfoHandler reports the wallet's account, tier, runtime counters,
// and pause state.
func (s *Server) walletInfoHandler(c *gin.Context) {
	snap := s.wallet.Snapshot()

	resp := gin.H{
		"account":      s.wallet.Account(),
		"tier":         snap.Tier,
		"signer":       s.wallet.Signer().Kind(),
		"paused":       snap.Paused,
		"txCountToday": snap.TxCountToday,
		"limits": gin.H{
			"perTransactionUsd": snap.Limits.PerTransactionUSD,
			"dailyUsd":          snap.Limits.DailyUSD,
			"weeklyUsd":         snap.Limits.WeeklyUSD,
			"monthlyUsd":        snap.Limits.MonthlyUSD,
		},
	}
	if !snap.LastTxAt.IsZero() {
		resp["lastTxAt"] = snap.LastTxAt
	}
	if snap.Paused {
		resp["pauseReason"] = snap.PauseReason
		resp["pausedAt"] = snap.PausedAt
	}
	c.JSON(http.StatusOK, resp)
}

// spendingHandler reports the rolling window totals for the wallet account.
func (s *Server) spendingHandler(c *gin.Context) {
	totals := s.ledger.WindowTotals(s.wallet.Account())
	c.JSON(http.StatusOK, gin.H{
		"account": s.wallet.Account(),
		"windows": totals,
	})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) pauseHandler(c *gin.Context) {
	var body pauseRequest
	_ = c.ShouldBindJSON(&body)
	body.Reason = validation.SanitizeText(body.Reason, validation.MaxRationaleLength)
	if body.Reason == "" {
		body.Reason = "manual operator pause"
	}
	s.wallet.Pause(c.Request.Context(), body.Reason)
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeHandler(c *gin.Context) {
	s.wallet.Resume(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// contractLookupHandler resolves an address against the trust registry. The
// :address parameter is validated by middleware before this runs.
func (s *Server) contractLookupHandler(c *gin.Context) {
	addr := c.Param("address")
	if s.registry.IsBlocked(addr) {
		c.JSON(http.StatusOK, gin.H{"address": addr, "blocked": true})
		return
	}
	record, ok := s.registry.Lookup(addr)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "contract not in registry"})
		return
	}
	c.JSON(http.StatusOK, record)
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// contractBlockHandler adds an address to the block-list at runtime.
func (s *Server) contractBlockHandler(c *gin.Context) {
	addr := c.Param("address")
	var body blockRequest
	_ = c.ShouldBindJSON(&body)
	s.registry.Block(addr, validation.SanitizeText(body.Reason, validation.MaxRationaleLength))
	c.JSON(http.StatusOK, gin.H{"address": strings.ToLower(addr), "blocked": true})
}

// auditHandler lists recent audit events, optionally filtered by account.
func (s *Server) auditHandler(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.auditStore.List(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}
