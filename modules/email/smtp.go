package email

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"time"
)

// TLS modes.
const (
	TLSAuto     = "auto"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

const dialTimeout = 30 * time.Second

// Server is where and how to deliver.
type Server struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      string
}

// Addr is host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type sendFunc func(ctx context.Context, server Server, from string, to []string, msg []byte) error

// sendSMTP delivers msg with a context-aware dial. "auto" means implicit TLS
// on port 465 and STARTTLS whenever the server offers it elsewhere.
func sendSMTP(ctx context.Context, server Server, from string, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConfig := &tls.Config{ServerName: server.Host, MinVersion: tls.VersionTLS12}

	implicit := server.TLS == TLSImplicit || (server.TLS == TLSAuto && server.Port == "465")
	var conn net.Conn
	var err error
	if implicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", server.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", server.Addr())
	}
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, server.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if !implicit && server.TLS != TLSNone {
		ok, _ := c.Extension("STARTTLS")
		if ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		} else if server.TLS == TLSStartTLS {
			return errors.New("server does not offer STARTTLS")
		}
	}

	if server.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not offer AUTH but credentials were given")
		}
		if err := c.Auth(smtp.PlainAuth("", server.Username, server.Password, server.Host)); err != nil {
			return err
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
