package api

import "gator-threads/internal/models"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MutationResponse is returned when a command has been applied locally.
// The final state arrives later through the websocket or the await
// endpoint.
type MutationResponse struct {
	Mutation *models.PendingMutation `json:"mutation"`
}

// OutcomeResponse is the settled state of a mutation.
type OutcomeResponse struct {
	CorrelationID string               `json:"correlationId"`
	Kind          models.MutationKind  `json:"kind"`
	State         models.MutationState `json:"state"`
	TargetID      string               `json:"targetId"`
	Error         *ErrorResponse       `json:"error,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Uptime  string `json:"uptime"`
}
