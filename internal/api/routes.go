package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"token-economy/internal/converter"
)

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.CurrentPrice(r.Context()))
}

func (s *Server) handleUsdToTokens(w http.ResponseWriter, r *http.Request) {
	s.convert(w, r, s.backend.UsdToTokens)
}

func (s *Server) handleTokensToUsd(w http.ResponseWriter, r *http.Request) {
	s.convert(w, r, s.backend.TokensToUsd)
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, amount decimal.Decimal) (converter.Conversion, error)) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	conv, err := fn(r.Context(), amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.RiskAssessment(r.Context()))
}

func (s *Server) handleBonus(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}
	writeJSON(w, http.StatusOK, s.backend.GrantBonus(r.Context(), amount))
}

func (s *Server) handleMiningStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.backend.StartMining(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleMiningStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.MiningStatus(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMiningClaim(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.ClaimMining(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTreasurySync(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.SyncTreasuryBalance(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTreasuryDeposits(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.TreasuryDeposits(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err.Error())
}
