package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/grumpyguvner/tempmail/internal/errors"
	"github.com/grumpyguvner/tempmail/internal/inbox"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/grumpyguvner/tempmail/internal/middleware"
	"github.com/grumpyguvner/tempmail/internal/pagination"
	"github.com/grumpyguvner/tempmail/internal/validation"
)

const (
	// HeaderOriginalSender carries the envelope sender on /mail/inbound
	HeaderOriginalSender = "X-Original-Sender"
	// HeaderOriginalRecipient carries the envelope recipients, comma separated
	HeaderOriginalRecipient = "X-Original-Recipient"
)

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.BearerToken == "" {
			middleware.SendErrorResponse(w, errors.AuthError("Inbound delivery is disabled"))
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			middleware.SendErrorResponse(w, errors.AuthError("Missing authorization header"))
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.BearerToken)) != 1 {
			middleware.SendErrorResponse(w, errors.AuthError("Invalid authorization token"))
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"version":         Version,
		"uptime":          time.Since(s.startTime).Seconds(),
		"start_time":      s.startTime.UTC().Format(time.RFC3339),
		"active_requests": s.activeRequests.Load(),
		"shutting_down":   s.shutdownStarted.Load(),
	})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains := s.inbox.Domains()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"domains": domains,
		"total":   len(domains),
	})
}

type newAddressRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	var req newAddressRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && err != io.EOF {
			middleware.SendErrorResponse(w, errors.BadRequestError("Invalid JSON"))
			return
		}
	}

	address, err := s.inbox.NewAddress(req.Domain)
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, map[string]string{"address": address})
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}

	mailbox, err := s.inbox.ListEmails(r.Context(), address, pagination.FromQuery(r.URL.Query()))
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, mailbox)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}

	list, err := s.inbox.ListAttachments(r.Context(), address, pagination.FromQuery(r.URL.Query()))
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteMailbox(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}

	deleted, err := s.inbox.DeleteMailbox(r.Context(), address)
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}

	logging.WithRequestID(middleware.GetRequestIDFromRequest(r)).Infow("Mailbox deleted", "address", address, "emails", deleted)
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"deleted": deleted,
	})
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	email, err := s.inbox.GetEmail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, email)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.inbox.DeleteEmail(r.Context(), id); err != nil {
		middleware.HandleError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"deleted": true,
	})
}

func (s *Server) handleEmailAttachments(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	attachments, err := s.inbox.GetEmailAttachments(r.Context(), id)
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"email_id":    id,
		"attachments": attachments,
	})
}

func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	attachment, data, err := s.inbox.GetAttachment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.HandleError(w, r, err)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debugw("Attachment download interrupted", "id", attachment.ID, "error", err)
	}
}

func (s *Server) handleTopSenders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.SendErrorResponse(w, errors.ValidationError("limit must be a positive integer", map[string]string{"limit": raw}))
			return
		}
		limit = n
	}

	senders := s.inbox.TopSenders(r.Context(), limit)
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"senders": senders,
		"total":   len(senders),
	})
}

func (s *Server) handleMailInbound(w http.ResponseWriter, r *http.Request) {
	maxSize := s.config.MaxMessageBytes
	if maxSize <= 0 {
		maxSize = validation.DefaultMaxSize
	}

	// One byte over the limit lets the size check reject oversize bodies
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		middleware.SendErrorResponse(w, errors.BadRequestError("Failed to read request body"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "message/rfc822") && !strings.HasPrefix(contentType, "text/plain") {
		middleware.SendErrorResponse(w, errors.ValidationError("Content-Type must be message/rfc822", map[string]string{"content_type": contentType}))
		return
	}

	recipients := splitRecipients(r.Header.Get(HeaderOriginalRecipient))
	if len(recipients) == 0 {
		middleware.SendErrorResponse(w, errors.ValidationError("Missing "+HeaderOriginalRecipient+" header", nil))
		return
	}

	receipt, err := s.inbox.Deliver(r.Context(), inbox.Envelope{
		From: r.Header.Get(HeaderOriginalSender),
		To:   recipients,
		Raw:  body,
	})
	if err != nil {
		logging.WithRequestID(middleware.GetRequestIDFromRequest(r)).Warnw("Inbound delivery failed", "error", err)
		middleware.HandleError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"receipt":   receipt,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// addressVar reads and syntax-checks the {address} route variable
func (s *Server) addressVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := strings.TrimSpace(mux.Vars(r)["address"])
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		middleware.SendErrorResponse(w, errors.ValidationError("Invalid email address", map[string]string{"address": address}))
		return "", false
	}
	return address, true
}

func splitRecipients(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.Trim(part, "<>"))
		}
	}
	return out
}
