package integrations

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
)

// SMTPMailer sends multipart/related mail through an SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if m.Host == "" || mail.To == "" {
		return ErrNotConfigured
	}
	msg, err := buildMessage(m.From, mail)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	addr := m.Host + ":" + strconv.Itoa(m.Port)
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, m.From, []string{mail.To}, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMessage renders headers, the HTML part and base64 attachments.
func buildMessage(from string, mail Mail) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", mail.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", mail.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/related; boundary=%s\r\n\r\n", w.Boundary())

	html, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := html.Write([]byte(mail.HTML)); err != nil {
		return nil, err
	}

	for _, a := range mail.Attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", a.ContentType)
		h.Set("Content-Transfer-Encoding", "base64")
		if a.Inline {
			h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.Filename))
			h.Set("Content-ID", "<"+a.ContentID+">")
		} else {
			h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
		}
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(a.Data)
		for len(enc) > 76 {
			if _, err := part.Write([]byte(enc[:76] + "\r\n")); err != nil {
				return nil, err
			}
			enc = enc[76:]
		}
		if _, err := part.Write([]byte(enc + "\r\n")); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LogMailer logs instead of sending; used when SMTP is not configured.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, mail Mail) error {
	log.Printf("[mail] to=%s subject=%q attachments=%d (smtp not configured)", mail.To, mail.Subject, len(mail.Attachments))
	return nil
}
