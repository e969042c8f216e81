package v1

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/replay"
)

type ListSessionsInput struct {
	Limit    int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Max results"`
	Offset   int    `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
	HasError string `query:"has_error" enum:"true,false" doc:"Only sessions with or without errors"`
}

type ListSessionsOutput struct {
	Body struct {
		Sessions []*domain.SessionSummary `json:"sessions"`
		Limit    int                      `json:"limit"`
		Offset   int                      `json:"offset"`
	}
}

type SessionIDInput struct {
	ID string `path:"id" minLength:"1" maxLength:"200" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body *domain.SessionSummary
}

type ListRecordsOutput struct {
	Body []*domain.AuditRecord
}

type ReportOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

type HistoryOutput struct {
	Body []replay.Message
}

type VerifyOutput struct {
	Body struct {
		SessionID string                `json:"session_id"`
		Valid     bool                  `json:"valid"`
		Records   []domain.Verification `json:"records"`
	}
}

func RegisterSessionRoutes(api huma.API, reader SessionReader, replayer Replayer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List audited sessions, most recent first",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		filter := domain.ListSessionsFilter{Limit: input.Limit, Offset: input.Offset}
		if input.HasError != "" {
			v, err := strconv.ParseBool(input.HasError)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("has_error must be true or false")
			}
			filter.HasError = &v
		}

		sessions, err := reader.ListSessions(ctx, filter)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list sessions", err)
		}
		if sessions == nil {
			sessions = []*domain.SessionSummary{}
		}

		out := &ListSessionsOutput{}
		out.Body.Sessions = sessions
		out.Body.Limit = filter.Limit
		out.Body.Offset = filter.Offset
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session summary",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*GetSessionOutput, error) {
		sum, err := getSession(ctx, reader, input.ID)
		if err != nil {
			return nil, err
		}
		return &GetSessionOutput{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-records",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/records",
		Summary:     "List a session's records in sequence order",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*ListRecordsOutput, error) {
		recs, err := reader.GetSessionRecords(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list records", err)
		}
		if recs == nil {
			recs = []*domain.AuditRecord{}
		}
		return &ListRecordsOutput{Body: recs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-report",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/report",
		Summary:     "Render a session as a plain text transcript",
		Tags:        []string{"Replay"},
	}, func(ctx context.Context, input *SessionIDInput) (*ReportOutput, error) {
		if _, err := getSession(ctx, reader, input.ID); err != nil {
			return nil, err
		}
		return &ReportOutput{
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(replayer.BuildReport(ctx, input.ID)),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-history",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/history",
		Summary:     "Extract the user and assistant turns of a session",
		Tags:        []string{"Replay"},
	}, func(ctx context.Context, input *SessionIDInput) (*HistoryOutput, error) {
		if _, err := getSession(ctx, reader, input.ID); err != nil {
			return nil, err
		}
		return &HistoryOutput{Body: replayer.ExtractMessageHistory(ctx, input.ID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/verify",
		Summary:     "Re-hash every record of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*VerifyOutput, error) {
		checks, err := reader.VerifySession(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to verify session", err)
		}

		out := &VerifyOutput{}
		out.Body.SessionID = input.ID
		out.Body.Valid = true
		out.Body.Records = checks
		for _, c := range checks {
			if !c.Valid {
				out.Body.Valid = false
			}
		}
		return out, nil
	})
}

func getSession(ctx context.Context, reader SessionReader, id string) (*domain.SessionSummary, error) {
	sum, err := reader.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("failed to get session", err)
	}
	return sum, nil
}
