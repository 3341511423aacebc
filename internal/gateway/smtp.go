package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
)

// SMTP relays every account's mail through one submission server.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	Log      *zap.Logger
	Now      func() time.Time
}

func (g *SMTP) Send(ctx context.Context, accountID int64, msg Message) (Result, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	raw, err := Render(msg, now())
	if err != nil {
		return Result{}, appErrors.NewPermanent(err)
	}

	addr := net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, appErrors.NewTransient(fmt.Errorf("dial %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// net/smtp does not watch ctx; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, g.Host)
	if err != nil {
		conn.Close()
		return Result{}, classifySMTP(err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: g.Host}); err != nil {
			return Result{}, classifySMTP(err)
		}
	}
	if g.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", g.Username, g.Password, g.Host)); err != nil {
			return Result{}, classifySMTP(err)
		}
	}

	// Render has already parsed both addresses.
	from, _ := mail.ParseAddress(msg.From)
	to, _ := mail.ParseAddress(msg.To)
	if err := c.Mail(from.Address); err != nil {
		return Result{}, classifySMTP(err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return Result{}, classifySMTP(err)
	}
	w, err := c.Data()
	if err != nil {
		return Result{}, classifySMTP(err)
	}
	if _, err := w.Write(raw); err != nil {
		return Result{}, classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return Result{}, classifySMTP(err)
	}
	if err := c.Quit(); err != nil && g.Log != nil {
		g.Log.Debug("smtp quit", zap.Int64("account_id", accountID), zap.Error(err))
	}
	return Result{ProviderMessageID: msg.ThreadingID, ThreadingID: msg.ThreadingID}, nil
}

// rejectCodes are 5xx replies meaning the recipient mailbox does not exist
// or is refused; the message is treated as bounced.
var rejectCodes = map[int]bool{550: true, 551: true, 553: true}

func classifySMTP(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case rejectCodes[te.Code]:
			return &appErrors.DeliveryError{Kind: appErrors.Bounce, Code: te.Code, Err: err}
		case te.Code >= 500:
			return &appErrors.DeliveryError{Kind: appErrors.Permanent, Code: te.Code, Err: err}
		default:
			return &appErrors.DeliveryError{Kind: appErrors.Transient, Code: te.Code, Err: err}
		}
	}
	return appErrors.NewTransient(err)
}
