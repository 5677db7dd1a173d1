package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/metatx"
)

// Operator routes.

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	var req SettleRequest
	if err := decodeValidated(h.schemas.settle, raw, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sub, err := h.submitSettle(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	var req metatx.ForwardRequest
	if err := decodeValidated(h.schemas.forward, raw, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sub, err := h.submitForward(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.submission(r.Context(), r.PathValue("handle"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) identity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, IdentityResponse{
		Identity: h.operator.Identity(),
		ChainID:  h.chainID,
	})
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	gas, err := strconv.ParseUint(queryParam(r, "gas"), 10, 64)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: gas: %v", errInvalidRequest, err))
		return
	}

	q, err := h.previewQuote(r.Context(), gas)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Node routes.

func (h *Handler) createOperation(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	var req OperationRequest
	if err := decodeValidated(h.schemas.operation, raw, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	op, err := h.startOperation(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	resp, err := h.operation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DLQ routes.

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	opts := dlq.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if from := queryParam(r, "from"); from != "" {
		if !common.IsHexAddress(from) {
			h.writeError(w, r, fmt.Errorf("%w: from %q is not an address", errInvalidRequest, from))
			return
		}
		addr := common.HexToAddress(from)
		opts.From = &addr
	}
	if since := queryParam(r, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: since: %v", errInvalidRequest, err))
			return
		}
		opts.Since = &t
	}

	entries, err := h.dlqSvc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	op, err := h.replay(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
