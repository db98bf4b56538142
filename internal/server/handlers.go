package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"repochat/internal/computeclient"
	"repochat/internal/util"
	"repochat/pkg/apperr"
	"repochat/pkg/domain"
)

const maxBodyBytes = 4 << 20

// --- repositories ---

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "err", err)
		util.WriteError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRepositories(w, r)
	case http.MethodPost:
		s.handleCreateRepository(w, r)
	default:
		methodNotAllowed(w)
	}
}

type createRepositoryRequest struct {
	URL         string            `json:"url"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	Description string            `json:"description"`
	Branch      string            `json:"branch"`
	Path        string            `json:"path"`
	Files       []domain.RepoFile `json:"files"`
}

// handleCreateRepository stores a repository whose files were fetched by the
// caller, landing directly in completed.
func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		util.WriteError(w, err)
		return
	}
	meta := domain.RepositoryMeta{
		Name:        strings.TrimSpace(req.Name),
		Owner:       strings.TrimSpace(req.Owner),
		Description: req.Description,
		Branch:      strings.TrimSpace(req.Branch),
		Path:        strings.TrimSpace(req.Path),
	}
	repo, err := s.machine.CreateIngested(r.Context(), req.URL, meta, req.Files)
	if err != nil {
		util.WriteError(w, err)
		return
	}
	if s.archiver.Enabled() {
		s.archiver.Save(r.Context(), repo)
	}
	util.WriteJSON(w, http.StatusCreated, repo)
}

// handleRepositoryByID routes /api/repositories/{id} and its subresources.
func (s *Server) handleRepositoryByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/repositories/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		util.WriteAppError(w, apperr.Validation("repository id is required"))
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		s.handleGetRepository(w, r, id)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleMessages(w, r, id)
	case len(parts) == 2 && parts[1] == "embed":
		s.handleEmbed(w, r, id)
	case len(parts) == 2 && parts[1] == "archive":
		s.handleArchive(w, r, id)
	default:
		util.WriteAppError(w, apperr.NotFound("unknown repository resource"))
	}
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	repo, found, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load repository", "repository_id", id, "err", err)
		util.WriteError(w, err)
		return
	}
	if !found {
		util.WriteAppError(w, apperr.NotFound("repository %s not found", id))
		return
	}
	util.WriteJSON(w, http.StatusOK, repo)
}

// --- messages ---

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	_, found, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		util.WriteError(w, err)
		return
	}
	if !found {
		util.WriteAppError(w, apperr.NotFound("repository %s not found", id))
		return
	}
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.store.ListMessages(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to list messages", "repository_id", id, "err", err)
			util.WriteError(w, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	case http.MethodPost:
		var req createMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			util.WriteError(w, err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			util.WriteAppError(w, apperr.Validation("message content is required"))
			return
		}
		if !domain.ValidRole(req.Role) {
			util.WriteAppError(w, apperr.Validation("message role must be user or assistant"))
			return
		}
		msg := domain.Message{
			ID:           util.NewID(),
			RepositoryID: id,
			Role:         domain.MessageRole(req.Role),
			Content:      req.Content,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.store.AppendMessage(r.Context(), msg); err != nil {
			s.logger.Error("failed to append message", "repository_id", id, "err", err)
			util.WriteError(w, err)
			return
		}
		util.WriteJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// --- ingestion ---

type processRequest struct {
	URL string `json:"url"`
}

// handleProcess runs the full ingestion flow synchronously up to the point
// where embedding is queued: create, begin processing, fetch through the
// compute service, complete or fail, enqueue the embed job.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r) {
		return
	}
	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		util.WriteError(w, err)
		return
	}

	ctx := r.Context()
	repo, err := s.machine.Create(ctx, req.URL)
	if err != nil {
		util.WriteError(w, err)
		return
	}
	if err := s.machine.BeginProcessing(ctx, repo.ID); err != nil {
		util.WriteError(w, err)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.processTimeout)
	defer cancel()
	result, err := s.compute.ProcessRepository(fetchCtx, computeclient.ProcessRequest{
		URL:          repo.URL,
		RepositoryID: repo.ID,
	})
	if err != nil {
		appErr := mapComputeError(err, "repository fetch failed")
		if failErr := s.machine.FailProcessing(ctx, repo.ID, appErr.Message); failErr != nil {
			s.logger.Error("failed to record fetch failure", "repository_id", repo.ID, "err", failErr)
		}
		util.WriteAppError(w, appErr)
		return
	}

	meta := domain.RepositoryMeta{
		Name:        result.Name,
		Owner:       result.Owner,
		Description: result.Description,
		Branch:      result.Branch,
		Path:        result.Path,
	}
	if err := s.machine.CompleteProcessing(ctx, repo.ID, result.Files, meta); err != nil {
		util.WriteError(w, err)
		return
	}

	stored, found, err := s.store.GetRepository(ctx, repo.ID)
	if err != nil || !found {
		util.WriteError(w, apperr.Internal("failed to reload repository", err))
		return
	}
	if s.archiver.Enabled() {
		s.archiver.Save(ctx, stored)
	}
	if s.queue != nil {
		if _, err := s.queue.Enqueue(ctx, repo.ID); err != nil {
			// Embedding can be re-triggered; the repository itself is intact.
			s.logger.Error("failed to enqueue embed job", "repository_id", repo.ID, "err", err)
		}
	}
	stored.Files = nil
	util.WriteJSON(w, http.StatusCreated, stored)
}

// handleEmbed triggers embedding. Re-triggering a vectorized repository is a
// no-op success.
func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	proceed, err := s.machine.BeginEmbedding(r.Context(), id)
	if err != nil {
		util.WriteError(w, err)
		return
	}
	if !proceed {
		util.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "already vectorized"})
		return
	}
	if s.queue == nil {
		util.WriteAppError(w, apperr.Internal("embed queue is not configured", nil))
		return
	}
	job, err := s.queue.Enqueue(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to enqueue embed job", "repository_id", id, "err", err)
		util.WriteError(w, apperr.Internal("failed to enqueue embedding", err))
		return
	}
	util.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "job": job})
}

// --- archive ---

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.archiver.Enabled() {
		util.WriteAppError(w, apperr.NotFound("snapshot archive is not configured"))
		return
	}
	_, found, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		util.WriteError(w, err)
		return
	}
	if !found {
		util.WriteAppError(w, apperr.NotFound("repository %s not found", id))
		return
	}
	url, ok, err := s.archiver.PresignGet(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to presign snapshot", "repository_id", id, "err", err)
		util.WriteError(w, apperr.Internal("failed to presign snapshot", err))
		return
	}
	if !ok {
		util.WriteAppError(w, apperr.NotFound("no snapshot for repository %s", id))
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- chat ---

type chatResponse struct {
	Response string `json:"response"`
}

// handleChat validates a chat turn, assembles retrieval context, calls the
// compute service under the long chat timeout, and persists both sides of the
// exchange on the first-listed repository.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var turn domain.ChatTurn
	if err := decodeJSON(r, &turn); err != nil {
		util.WriteError(w, err)
		return
	}
	if strings.TrimSpace(turn.Message) == "" {
		util.WriteAppError(w, apperr.Validation("message is required"))
		return
	}
	if len(turn.RepositoryIDs) == 0 {
		util.WriteAppError(w, apperr.Validation("at least one repository id is required"))
		return
	}
	for _, item := range turn.ChatHistory {
		if !domain.ValidRole(item.Role) {
			util.WriteAppError(w, apperr.Validation("chat history role must be user or assistant"))
			return
		}
	}

	ctx := r.Context()
	contextText, err := s.assembler.Assemble(ctx, turn.RepositoryIDs)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	chatCtx, cancel := context.WithTimeout(ctx, s.chatTimeout)
	defer cancel()
	answer, err := s.compute.Chat(chatCtx, turn, contextText)
	if err != nil {
		util.WriteAppError(w, mapComputeError(err, "chat request failed"))
		return
	}

	primary := turn.RepositoryIDs[0]
	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:           util.NewID(),
		RepositoryID: primary,
		Role:         domain.RoleUser,
		Content:      turn.Message,
		CreatedAt:    now,
	}
	assistantMsg := domain.Message{
		ID:           util.NewID(),
		RepositoryID: primary,
		Role:         domain.RoleAssistant,
		Content:      answer,
		CreatedAt:    now.Add(time.Millisecond),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.logger.Error("failed to persist user message", "repository_id", primary, "err", err)
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		s.logger.Error("failed to persist assistant message", "repository_id", primary, "err", err)
	}
	util.WriteJSON(w, http.StatusOK, chatResponse{Response: answer})
}

// --- helpers ---

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// mapComputeError turns compute client failures into the gateway taxonomy:
// deadline hits become 504, upstream 4xx validation complaints keep their
// message as 400, everything else is 502.
func mapComputeError(err error, message string) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.UpstreamTimeout(message, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.UpstreamTimeout(message, err)
	}
	var apiErr *computeclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return apperr.Validation("%s", apiErr.Message)
		}
		return apperr.UpstreamUnavailable(message, err)
	}
	return apperr.UpstreamUnavailable(message, err)
}
