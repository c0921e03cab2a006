package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ChainChat/internal/agent"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/task"
	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.responder == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher is not initialised"))
		return
	}
	var req agent.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(clientKey(r, req.Account)) {
		s.writeError(w, r, xerrors.New(xerrors.CodeRateLimited, ""))
		return
	}

	reply, err := s.responder.Respond(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "outcome service is not initialised"))
		return
	}
	var outcome txflow.Outcome
	if err := decodeBody(r, &outcome); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.outcomes.Report(r.Context(), outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Status == task.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "dispatch history is not available"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := s.outcomes.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDispatchDetail(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "dispatch history is not available"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "dispatch id is required"))
		return
	}
	record, err := s.outcomes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "request body is not valid JSON")
	}
	return nil
}

// clientKey 优先使用钱包地址，未连接钱包时退回到客户端 IP。
func clientKey(r *http.Request, account *agent.Account) string {
	if account != nil {
		if addr := strings.ToLower(strings.TrimSpace(account.Address)); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, envelope.ErrorBody{Error: xerrors.MessageOf(err), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
