// Package email implements the email node type on net/smtp.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Credential names read by the handler.
const (
	CredHost     = "smtp_host"
	CredPort     = "smtp_port"
	CredUsername = "smtp_username"
	CredPassword = "smtp_password"

	defaultPort = "587"
)

func init() {
	intHandler.Register(workflow.NodeEmail, New)
}

// Handler sends one message per execution.
//
// Config: from, to, cc, bcc (a string or a list), subject, body, html, and
// tls ("auto", "starttls", "implicit" or "none"). The server and login come
// from the smtp_* credentials. In dry-run mode the message is built and
// validated but not sent.
type Handler struct {
	send sendFunc
}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{send: sendSMTP}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	msg, err := parseMessage(req.Node.Config)
	if err != nil {
		return nil, err
	}
	server, err := parseServer(req.Node.Config, req.Credentials)
	if err != nil {
		return nil, err
	}

	msg.ID = fmt.Sprintf("<%s@%s>", uuid.NewString(), server.Host)
	msg.Date = time.Now()
	raw, err := msg.Bytes()
	if err != nil {
		return nil, err
	}

	if handler.IsDryRun(ctx) {
		req.Logger.Infof("dry run: not sending '%s' to %d recipient(s)", msg.Subject, len(msg.Recipients()))
		return map[string]interface{}{
			"dry_run":    true,
			"to":         msg.To,
			"subject":    msg.Subject,
			"recipients": len(msg.Recipients()),
		}, nil
	}

	if err := h.send(ctx, server, msg.Sender(), msg.Recipients(), raw); err != nil {
		return nil, fmt.Errorf("smtp send via %s failed: %w", server.Addr(), err)
	}
	req.Logger.Infof("sent '%s' to %d recipient(s)", msg.Subject, len(msg.Recipients()))
	return map[string]interface{}{
		"sent":       true,
		"message_id": msg.ID,
		"recipients": len(msg.Recipients()),
	}, nil
}

func parseMessage(cfg map[string]interface{}) (*Message, error) {
	from, err := paramutil.GetRequiredString(cfg, "from")
	if err != nil {
		return nil, err
	}
	msg := &Message{From: from}
	if msg.To, err = addressList(cfg, "to"); err != nil {
		return nil, err
	}
	if len(msg.To) == 0 {
		return nil, rwerrors.NewValidationError("missing required config 'to'", nil)
	}
	if msg.Cc, err = addressList(cfg, "cc"); err != nil {
		return nil, err
	}
	if msg.Bcc, err = addressList(cfg, "bcc"); err != nil {
		return nil, err
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'from': invalid address '%s'", from), err)
	}
	if msg.Subject, err = paramutil.GetStringDefault(cfg, "subject", ""); err != nil {
		return nil, err
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return nil, rwerrors.NewValidationError("config 'subject' cannot contain line breaks", nil)
	}
	if msg.Body, err = paramutil.GetStringDefault(cfg, "body", ""); err != nil {
		return nil, err
	}
	if msg.HTML, _, err = paramutil.GetOptionalBool(cfg, "html"); err != nil {
		return nil, err
	}
	return msg, nil
}

func addressList(cfg map[string]interface{}, key string) ([]string, error) {
	var list []string
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case string:
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				list = append(list, s)
			}
		}
	default:
		items, _, err := paramutil.GetOptionalStringSlice(cfg, key)
		if err != nil {
			return nil, err
		}
		list = items
	}
	for _, addr := range list {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, rwerrors.NewValidationError(fmt.Sprintf("config '%s': invalid address '%s'", key, addr), err)
		}
	}
	return list, nil
}

func parseServer(cfg map[string]interface{}, creds map[string]string) (Server, error) {
	host := creds[CredHost]
	if host == "" {
		return Server{}, rwerrors.NewConfigError(fmt.Sprintf("email needs credential '%s'", CredHost), nil)
	}
	port := creds[CredPort]
	if port == "" {
		port = defaultPort
	}
	mode, err := paramutil.GetStringDefault(cfg, "tls", TLSAuto)
	if err != nil {
		return Server{}, err
	}
	switch mode {
	case TLSAuto, TLSStartTLS, TLSImplicit, TLSNone:
	default:
		return Server{}, rwerrors.NewValidationError(fmt.Sprintf("config 'tls' must be one of auto, starttls, implicit, none; got '%s'", mode), nil)
	}
	return Server{
		Host:     host,
		Port:     port,
		Username: creds[CredUsername],
		Password: creds[CredPassword],
		TLS:      mode,
	}, nil
}

var _ handler.Handler = (*Handler)(nil)
