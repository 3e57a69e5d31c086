package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"vaultline/internal/engine"
)

func registerAuditEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit/events",
		Summary:     "List audit events for a correlation id",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit" default:"100"`
	}) (*struct {
		Body []AuditEventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.CorrelationID == "" {
			events, err := e.Audit.Tail(ctx, input.Limit)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []AuditEventResponse `json:"body"`
			}{Body: mapAuditEvents(events)}, nil
		}
		events, err := e.Audit.ListByCorrelation(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEventResponse `json:"body"`
		}{Body: mapAuditEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-chain",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify the audit hash chain",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Audit.VerifyChain(ctx); err != nil {
			return nil, newAPIError(http.StatusConflict, "chain_broken", err.Error(), nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"verified": true}}, nil
	})
}
