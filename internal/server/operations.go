package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"vaultline/internal/engine"
)

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Submit a fund movement request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitOperationRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AccountID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account_id is required", nil)
		}
		st, err := e.Submit(ctx, engine.SubmitOptions{
			ID:             input.Body.ID,
			CorrelationID:  input.Body.CorrelationID,
			AccountID:      input.Body.AccountID,
			Amount:         input.Body.Amount,
			Currency:       input.Body.Currency,
			Destination:    input.Body.Destination,
			IdempotencyKey: input.Body.IdempotencyKey,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		// Drive assessment and screening right away; if the process dies
		// mid-pipeline the pump picks the operation back up.
		if run, err := e.Run(ctx, st.Request.ID, actorID); err == nil {
			st = run
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{id}",
		Summary:     "Get operation state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		st, err := e.Store.GetOperation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AccountID string `query:"account_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OperationResponse `json:"body"`
	}, error) {
		items, err := e.Store.ListOperations(ctx, input.AccountID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OperationResponse `json:"body"`
		}{Body: mapOperations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-signature",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/signatures",
		Summary:     "Submit a signer approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body SubmitSignatureRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		signerID := input.Body.SignerID
		if signerID == "" {
			signerID = actorID
		}
		st, err := e.SubmitSignature(ctx, input.ID, signerID, input.Body.Proof, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/review",
		Summary:     "Resolve a manual review hold",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ResolveReviewRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.ResolveReview(ctx, input.ID, actorID, input.Body.Approve, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{id}/cancel",
		Summary:     "Cancel before authorization",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CancelOperationRequest `json:"body"`
	}) (*struct {
		Body OperationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Cancel(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OperationResponse `json:"body"`
		}{Body: operationResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-pending",
		Method:      http.MethodPost,
		Path:        "/operations/pump",
		Summary:     "Re-enter operations left in pending stages",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		processed, err := e.ProcessPending(ctx, actorID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"processed": len(processed), "ids": processed}}, nil
	})
}
