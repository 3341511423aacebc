package bounce

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var ErrNotDSN = errors.New("not a delivery status notification")

// ParseDSN reads an RFC 3464 multipart/report and returns the bounce it
// describes. 5.x.x statuses are hard bounces and 4.x.x soft ones; the
// original Message-ID becomes the threading id.
func ParseDSN(r io.Reader) (Event, error) {
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Event{}, fmt.Errorf("read report: %w", err)
	}
	mt, params, err := ent.Header.ContentType()
	if err != nil || mt != "multipart/report" || !strings.EqualFold(params["report-type"], "delivery-status") {
		return Event{}, ErrNotDSN
	}

	var (
		e      Event
		status string
		action string
	)
	mr := ent.MultipartReader()
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return Event{}, fmt.Errorf("read report part: %w", err)
		}
		pt, _, _ := p.Header.ContentType()
		switch pt {
		case "message/delivery-status":
			action, status, err = deliveryStatus(p.Body)
			if err != nil {
				return Event{}, err
			}
		case "text/rfc822-headers", "message/rfc822-headers":
			h, err := textproto.ReadHeader(bufio.NewReader(p.Body))
			if err != nil {
				return Event{}, fmt.Errorf("read original headers: %w", err)
			}
			e.ThreadingID = messageID(message.Header{Header: h})
		case "message/rfc822":
			orig, err := message.Read(p.Body)
			if err != nil && !message.IsUnknownCharset(err) {
				return Event{}, fmt.Errorf("read original message: %w", err)
			}
			e.ThreadingID = messageID(orig.Header)
		}
	}

	if !strings.EqualFold(action, "failed") && !strings.EqualFold(action, "delayed") {
		return Event{}, fmt.Errorf("%w: action %q", ErrNotDSN, action)
	}
	switch {
	case strings.HasPrefix(status, "5"):
		e.BounceType = "hard"
	case strings.HasPrefix(status, "4"):
		e.BounceType = "soft"
	default:
		return Event{}, fmt.Errorf("%w: status %q", ErrNotDSN, status)
	}
	if e.ThreadingID == "" {
		return Event{}, errors.New("report does not carry the original Message-ID")
	}
	return e, nil
}

func messageID(h message.Header) string {
	mh := mail.Header{Header: h}
	id, _ := mh.MessageID()
	return id
}

// deliveryStatus reads the per-message block and the first per-recipient
// block of a message/delivery-status body.
func deliveryStatus(body io.Reader) (action, status string, err error) {
	br := bufio.NewReader(body)
	if _, err := textproto.ReadHeader(br); err != nil {
		return "", "", fmt.Errorf("read per-message fields: %w", err)
	}
	rcpt, err := textproto.ReadHeader(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("read per-recipient fields: %w", err)
	}
	status, _, _ = strings.Cut(strings.TrimSpace(rcpt.Get("Status")), " ")
	return strings.TrimSpace(rcpt.Get("Action")), status, nil
}
