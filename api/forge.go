package api

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/forge"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/watcher"
)

// ForgeAPI wires all Forge-style HTTP handlers together.
type ForgeAPI struct {
	*backend
	log forge.Logger
}

// NewForgeAPI creates a ForgeAPI serving the components named by opts.
func NewForgeAPI(log forge.Logger, opts ...Option) *ForgeAPI {
	return &ForgeAPI{
		backend: newBackend(opts),
		log:     log,
	}
}

// RegisterRoutes registers the relay API routes into the given Forge router
// with full OpenAPI metadata.
func (a *ForgeAPI) RegisterRoutes(router forge.Router) {
	if a.operator != nil {
		a.registerOperatorRoutes(router)
	}
	if a.node != nil {
		a.registerNodeRoutes(router)
	}
	if a.dlqSvc != nil {
		a.registerDLQRoutes(router)
	}
	a.registerStatsRoutes(router)
}

// ---------------------------------------------------------------------------
// Operator routes
// ---------------------------------------------------------------------------

func (a *ForgeAPI) registerOperatorRoutes(router forge.Router) {
	g := router.Group("", forge.WithGroupTags("relay"))

	if err := g.POST("/settle", a.settle,
		forge.WithSummary("Settle a promise"),
		forge.WithDescription("Relays a provider-signed settlement of a payment promise on the hub. The fee is derived by the operator."),
		forge.WithOperationID("settlePromise"),
		forge.WithRequestSchema(SettleRequest{}),
		forge.WithResponseSchema(http.StatusAccepted, "Submission accepted", submission.Submission{}),
		forge.WithErrorResponses(),
	); err != nil {
		// Keep registering the remaining routes; a broken one shows up in logs and tests.
		a.log.Error("Failed to register settlePromise route", forge.Error(err))
	}

	if err := g.POST("/forward", a.forward,
		forge.WithSummary("Forward a signed request"),
		forge.WithDescription("Verifies a signed forward request naming this operator and submits it to the ledger."),
		forge.WithOperationID("forwardRequest"),
		forge.WithRequestSchema(ForwardForgeRequest{}),
		forge.WithResponseSchema(http.StatusAccepted, "Submission accepted", submission.Submission{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register forwardRequest route", forge.Error(err))
	}

	if err := g.GET("/submissions/:handle", a.getSubmission,
		forge.WithSummary("Get submission"),
		forge.WithDescription("Returns the outcome of a submission by its handle."),
		forge.WithOperationID("getSubmission"),
		forge.WithResponseSchema(http.StatusOK, "Submission details", submission.Submission{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register getSubmission route", forge.Error(err))
	}

	if err := g.GET("/identity", a.identity,
		forge.WithSummary("Operator identity"),
		forge.WithDescription("Returns the identity requests must name as relayer."),
		forge.WithOperationID("getIdentity"),
		forge.WithResponseSchema(http.StatusOK, "Operator identity", IdentityResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register getIdentity route", forge.Error(err))
	}

	if err := g.GET("/quote", a.quote,
		forge.WithSummary("Preview fee"),
		forge.WithDescription("Prices a forwarded call with the given gas budget against the live fee pool."),
		forge.WithOperationID("getQuote"),
		forge.WithRequestSchema(QuoteForgeRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Fee quote", QuoteResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register getQuote route", forge.Error(err))
	}
}

func (a *ForgeAPI) settle(ctx forge.Context, req *SettleRequest) (*submission.Submission, error) {
	if err := validateValue(a.schemas.settle, req); err != nil {
		return nil, mapError(err)
	}

	sub, err := a.submitSettle(ctx.Context(), req)
	if err != nil {
		return nil, mapError(err)
	}

	if err := ctx.JSON(http.StatusAccepted, sub); err != nil {
		return nil, mapError(err)
	}

	//nolint:nilnil // response already written via ctx.JSON.
	return nil, nil
}

func (a *ForgeAPI) forward(ctx forge.Context, req *ForwardForgeRequest) (*submission.Submission, error) {
	if err := validateValue(a.schemas.forward, req); err != nil {
		return nil, mapError(err)
	}
	fwd, err := req.forwardRequest()
	if err != nil {
		return nil, mapError(err)
	}

	sub, err := a.submitForward(ctx.Context(), fwd)
	if err != nil {
		return nil, mapError(err)
	}

	if err := ctx.JSON(http.StatusAccepted, sub); err != nil {
		return nil, mapError(err)
	}

	//nolint:nilnil // response already written via ctx.JSON.
	return nil, nil
}

func (a *ForgeAPI) getSubmission(ctx forge.Context, req *GetSubmissionForgeRequest) (*submission.Submission, error) {
	sub, err := a.submission(ctx.Context(), req.Handle)
	if err != nil {
		return nil, mapError(err)
	}
	return sub, nil
}

func (a *ForgeAPI) identity(_ forge.Context, _ *IdentityForgeRequest) (*IdentityResponse, error) {
	return &IdentityResponse{Identity: a.operator.Identity(), ChainID: a.chainID}, nil
}

func (a *ForgeAPI) quote(ctx forge.Context, req *QuoteForgeRequest) (*QuoteResponse, error) {
	q, err := a.previewQuote(ctx.Context(), req.Gas)
	if err != nil {
		return nil, mapError(err)
	}
	return q, nil
}

// ---------------------------------------------------------------------------
// Node routes
// ---------------------------------------------------------------------------

func (a *ForgeAPI) registerNodeRoutes(router forge.Router) {
	g := router.Group("", forge.WithGroupTags("operations"))

	if err := g.POST("/operations", a.createOperation,
		forge.WithSummary("Start operation"),
		forge.WithDescription("Signs the intent under the identity's next nonce and relays it through the primary relayer, failing over on timeout."),
		forge.WithOperationID("createOperation"),
		forge.WithRequestSchema(OperationRequest{}),
		forge.WithResponseSchema(http.StatusAccepted, "Operation started", watcher.Operation{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register createOperation route", forge.Error(err))
	}

	if err := g.GET("/operations/:operationId", a.getOperation,
		forge.WithSummary("Get operation"),
		forge.WithDescription("Returns an operation together with every relay attempt made for it."),
		forge.WithOperationID("getOperation"),
		forge.WithResponseSchema(http.StatusOK, "Operation details", OperationResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register getOperation route", forge.Error(err))
	}
}

func (a *ForgeAPI) createOperation(ctx forge.Context, req *OperationRequest) (*watcher.Operation, error) {
	if err := validateValue(a.schemas.operation, req); err != nil {
		return nil, mapError(err)
	}

	op, err := a.startOperation(ctx.Context(), req)
	if err != nil {
		return nil, mapError(err)
	}

	if err := ctx.JSON(http.StatusAccepted, op); err != nil {
		return nil, mapError(err)
	}

	//nolint:nilnil // response already written via ctx.JSON.
	return nil, nil
}

func (a *ForgeAPI) getOperation(ctx forge.Context, req *GetOperationForgeRequest) (*OperationResponse, error) {
	resp, err := a.operation(ctx.Context(), req.OperationID)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// DLQ routes
// ---------------------------------------------------------------------------

func (a *ForgeAPI) registerDLQRoutes(router forge.Router) {
	g := router.Group("", forge.WithGroupTags("dlq"))

	if err := g.GET("/dlq", a.listDLQ,
		forge.WithSummary("List DLQ entries"),
		forge.WithDescription("Returns operations that failed terminally, optionally filtered by identity."),
		forge.WithOperationID("listDLQ"),
		forge.WithRequestSchema(ListDLQForgeRequest{}),
		forge.WithListResponse(dlq.Entry{}, http.StatusOK),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register listDLQ route", forge.Error(err))
	}

	if err := g.POST("/dlq/:dlqId/replay", a.replayDLQ,
		forge.WithSummary("Replay DLQ entry"),
		forge.WithDescription("Starts a new operation for the entry's intent under a fresh nonce."),
		forge.WithOperationID("replayDLQ"),
		forge.WithResponseSchema(http.StatusAccepted, "Replay operation", watcher.Operation{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register replayDLQ route", forge.Error(err))
	}
}

func (a *ForgeAPI) listDLQ(ctx forge.Context, req *ListDLQForgeRequest) ([]*dlq.Entry, error) {
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}

	opts := dlq.ListOpts{
		Offset: req.Offset,
		Limit:  limit,
	}
	if req.From != "" {
		if !common.IsHexAddress(req.From) {
			return nil, forge.BadRequest(fmt.Sprintf("from %q is not an address", req.From))
		}
		addr := common.HexToAddress(req.From)
		opts.From = &addr
	}

	entries, err := a.dlqSvc.List(ctx.Context(), opts)
	if err != nil {
		return nil, mapError(err)
	}

	return entries, nil
}

func (a *ForgeAPI) replayDLQ(ctx forge.Context, req *ReplayDLQForgeRequest) (*watcher.Operation, error) {
	op, err := a.replay(ctx.Context(), req.DLQID)
	if err != nil {
		return nil, mapError(err)
	}

	if err := ctx.JSON(http.StatusAccepted, op); err != nil {
		return nil, mapError(err)
	}

	//nolint:nilnil // response already written via ctx.JSON.
	return nil, nil
}

// ---------------------------------------------------------------------------
// Stats routes
// ---------------------------------------------------------------------------

func (a *ForgeAPI) registerStatsRoutes(router forge.Router) {
	g := router.Group("", forge.WithGroupTags("stats"))

	if err := g.GET("/stats", a.getStats,
		forge.WithSummary("Relay statistics"),
		forge.WithDescription("Returns submission counts per state and the DLQ size."),
		forge.WithOperationID("getStats"),
		forge.WithResponseSchema(http.StatusOK, "Relay statistics", StatsResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		a.log.Error("Failed to register getStats route", forge.Error(err))
	}
}

func (a *ForgeAPI) getStats(ctx forge.Context, _ *StatsForgeRequest) (*StatsResponse, error) {
	stats, err := a.stats(ctx.Context())
	if err != nil {
		return nil, mapError(err)
	}
	return stats, nil
}
