package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"

	"github.com/sirupsen/logrus"
)

const maxEnqueueBodyBytes = 1 << 20

type MailSender interface {
	SendMany(ctx context.Context, drafts []mail.Draft) ([]*mail.Message, error)
}

type draftRequest struct {
	From             string            `json:"from"`
	To               []string          `json:"to"`
	Cc               []string          `json:"cc"`
	Bcc              []string          `json:"bcc"`
	Subject          string            `json:"subject"`
	Message          string            `json:"message"`
	HtmlMessage      string            `json:"html_message"`
	Headers          map[string]string `json:"headers"`
	Context          map[string]string `json:"context"`
	RenderOnDelivery bool              `json:"render_on_delivery"`
	Priority         string            `json:"priority"`
	ScheduledTime    *time.Time        `json:"scheduled_time"`
	ExpiresAt        *time.Time        `json:"expires_at"`
	Backend          string            `json:"backend"`
}

func (d draftRequest) draft() mail.Draft {
	return mail.Draft{
		From:             d.From,
		To:               d.To,
		Cc:               d.Cc,
		Bcc:              d.Bcc,
		Subject:          d.Subject,
		Body:             d.Message,
		HtmlBody:         d.HtmlMessage,
		Headers:          d.Headers,
		Context:          d.Context,
		RenderOnDelivery: d.RenderOnDelivery,
		Priority:         d.Priority,
		ScheduledTime:    d.ScheduledTime,
		ExpiresAt:        d.ExpiresAt,
		BackendAlias:     d.Backend,
	}
}

type queuedMail struct {
	Id        uint   `json:"id"`
	MessageId string `json:"message_id,omitempty"`
	Status    string `json:"status"`
}

type enqueueHandler struct {
	sender MailSender
}

// NewEnqueueHandler accepts POSTed mail, either one JSON object or an array
// of them, and stores it all or nothing. It answers 202 with the id and
// status of every stored message.
func NewEnqueueHandler(s MailSender) http.Handler {
	return &enqueueHandler{sender: s}
}

func (h enqueueHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	drafts, err := decodeDrafts(http.MaxBytesReader(w, req.Body, maxEnqueueBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.sender.SendMany(req.Context(), drafts)
	switch {
	case errors.Is(err, mail.ErrInvalidDraft):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && msgs == nil:
		log.Logger.WithError(err).Error("unable to enqueue mail")
		writeError(w, http.StatusInternalServerError, "unable to enqueue mail")
		return
	case err != nil:
		// stored, but recording an immediate delivery failed
		log.Logger.WithError(err).Error("unable to record an immediate mail delivery")
	}

	out := make([]queuedMail, len(msgs))
	for i, m := range msgs {
		out[i] = queuedMail{Id: m.Id, MessageId: m.MessageId, Status: statusName(m.Status)}
	}

	log.Logger.WithFields(logrus.Fields{"count": len(out)}).Debug("mail enqueued over HTTP")

	writeJSON(w, http.StatusAccepted, out)
}

func decodeDrafts(r io.Reader) ([]mail.Draft, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var reqs []draftRequest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reqs)
	} else {
		var one draftRequest
		err = json.Unmarshal(trimmed, &one)
		reqs = []draftRequest{one}
	}
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, errors.New("no mail in the request")
	}

	drafts := make([]mail.Draft, len(reqs))
	for i, r := range reqs {
		drafts[i] = r.draft()
	}

	return drafts, nil
}

func statusName(s *mail.Status) string {
	if s == nil {
		return "pending"
	}
	return s.String()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.WithError(err).Debug("unable to write the response body")
	}
}
