package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"gator-threads/internal/api"
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

// Bodies may carry base64 encoded uploads.
const maxBodyBytes = 32 << 20

// UploadRequest is one file sent along with a command.
type UploadRequest struct {
	Name string `json:"name"`
	Data []byte `json:"data"` // base64 in JSON
}

// ContentRequest is the body of create, reply and edit.
type ContentRequest struct {
	Content     string          `json:"content"`
	Attachments []string        `json:"attachments,omitempty"`
	Uploads     []UploadRequest `json:"uploads,omitempty"`
}

func (c ContentRequest) uploads() []models.Upload {
	if len(c.Uploads) == 0 {
		return nil
	}
	out := make([]models.Upload, len(c.Uploads))
	for i, u := range c.Uploads {
		out[i] = models.Upload{Name: u.Name, Data: u.Data}
	}
	return out
}

// VoteRequest selects an option. Sending the current selection retracts it.
type VoteRequest struct {
	OptionID string `json:"optionId"`
}

func (s *Server) HandleForest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		forest, err := s.engineFor(r).Forest(r.Context(), r.PathValue("threadID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, forest)
	}
}

func (s *Server) HandleNextPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		forest, err := s.engineFor(r).LoadNextPage(r.Context(), r.PathValue("threadID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, forest)
	}
}

func (s *Server) HandleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		forest, err := s.engineFor(r).Refresh(r.Context(), r.PathValue("threadID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, forest)
	}
}

func (s *Server) HandlePending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.engineFor(r).Pending(r.Context(), r.PathValue("threadID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

// HandleAwait blocks until the mutation settles. The optional timeout query
// parameter is in seconds.
func (s *Server) HandleAwait() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil || seconds <= 0 {
				s.writeError(w, r, utils.NewValidationError("invalid timeout %q", raw))
				return
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
			defer cancel()
		}

		out, err := s.engineFor(r).Await(ctx, r.PathValue("threadID"), r.PathValue("correlationID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp := api.OutcomeResponse{
			CorrelationID: out.CorrelationID,
			Kind:          out.Kind,
			State:         out.State,
			TargetID:      out.TargetID,
		}
		if appErr := utils.AsAppError(out.Err); appErr != nil {
			resp.Error = &api.ErrorResponse{Code: appErr.Code, Message: appErr.Message}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) HandleCreate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContentRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		ticket, err := s.engineFor(r).Create(r.Context(), models.CreateCommand{
			ThreadID:    r.PathValue("threadID"),
			Content:     req.Content,
			Attachments: req.Attachments,
			Uploads:     req.uploads(),
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) HandleReply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContentRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		ticket, err := s.engineFor(r).Reply(r.Context(), models.ReplyCommand{
			ThreadID:    r.PathValue("threadID"),
			ParentID:    r.PathValue("nodeID"),
			Content:     req.Content,
			Attachments: req.Attachments,
			Uploads:     req.uploads(),
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) HandleLike() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, err := s.engineFor(r).ToggleLike(r.Context(), models.LikeCommand{
			ThreadID: r.PathValue("threadID"),
			NodeID:   r.PathValue("nodeID"),
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) HandleVote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VoteRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		ticket, err := s.engineFor(r).Vote(r.Context(), models.VoteCommand{
			ThreadID: r.PathValue("threadID"),
			NodeID:   r.PathValue("nodeID"),
			OptionID: req.OptionID,
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) HandleEdit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContentRequest
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		ticket, err := s.engineFor(r).Edit(r.Context(), models.EditCommand{
			ThreadID:    r.PathValue("threadID"),
			NodeID:      r.PathValue("nodeID"),
			Content:     req.Content,
			Attachments: req.Attachments,
			Uploads:     req.uploads(),
		})
		s.writeTicket(w, r, ticket, err)
	}
}

func (s *Server) HandleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, err := s.engineFor(r).SoftDelete(r.Context(), models.DeleteCommand{
			ThreadID: r.PathValue("threadID"),
			NodeID:   r.PathValue("nodeID"),
		})
		s.writeTicket(w, r, ticket, err)
	}
}

// writeTicket answers 202: the change is visible locally but not yet
// confirmed by the backend.
func (s *Server) writeTicket(w http.ResponseWriter, r *http.Request, ticket *models.PendingMutation, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.MutationResponse{Mutation: ticket})
}
