// 文件: pkg/api/fund_handlers.go
// 资金流水 (冷存储)

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"perpx.com/pkg/fund"
)

// JournalReader 冷存储流水查询 (*fund.BalanceLedger 实现)
type JournalReader interface {
	ListJournals(ctx context.Context, account, symbol string, limit, offset int) ([]*fund.JournalRecord, error)
	GetJournalByEventID(ctx context.Context, eventID string) (*fund.JournalRecord, error)
}

var _ JournalReader = (*fund.BalanceLedger)(nil)

// WithJournals 资金流水查询
func WithJournals(j JournalReader) Option {
	return func(s *Server) { s.journals = j }
}

// queryInt 解析可选的整数参数，越界返回 false
func queryInt(r *http.Request, key string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

// listJournals GET /journals/{account}?symbol=&limit=&offset=
func (s *Server) listJournals(w http.ResponseWriter, r *http.Request) {
	if s.journals == nil {
		writeError(w, "journal storage not enabled", http.StatusNotImplemented)
		return
	}
	limit, ok := queryInt(r, "limit", 50, 1, 500)
	if !ok {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0, 1<<30)
	if !ok {
		writeError(w, "invalid offset", http.StatusBadRequest)
		return
	}
	records, err := s.journals.ListJournals(r.Context(), chi.URLParam(r, "account"), r.URL.Query().Get("symbol"), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []*fund.JournalRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// getJournal GET /journal-events/{eventID}
func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	if s.journals == nil {
		writeError(w, "journal storage not enabled", http.StatusNotImplemented)
		return
	}
	record, err := s.journals.GetJournalByEventID(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if record == nil {
		writeError(w, "journal not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
