package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// EmailNotifier sends messages over SMTP. Port 465 uses implicit TLS, any
// other port STARTTLS when the server offers it.
type EmailNotifier struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	Recipient string
	Timeout   time.Duration
}

// NewEmailNotifier creates an SMTP notifier authenticating as username.
func NewEmailNotifier(host string, port int, username, password, recipient string) *EmailNotifier {
	return &EmailNotifier{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		From:      username,
		Recipient: recipient,
		Timeout:   30 * time.Second,
	}
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	to := e.Recipient
	if msg.Recipient != "" {
		to = msg.Recipient
	}
	if to == "" {
		return fmt.Errorf("email: no recipient")
	}
	raw, err := buildMIME(e.From, to, msg, time.Now())
	if err != nil {
		return fmt.Errorf("email: build message: %w", err)
	}
	if err := e.send(ctx, to, raw); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) send(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	dialer := &net.Dialer{Timeout: e.Timeout}
	tlsCfg := &tls.Config{ServerName: e.Host}

	var conn net.Conn
	var err error
	if e.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if e.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if e.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.Username, e.Password, e.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(e.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// buildMIME renders msg as a multipart/mixed message: the body part followed
// by the optional attachment, both base64 encoded.
func buildMIME(from, to string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	body, contentType := msg.Body, "text/plain; charset=utf-8"
	if msg.HTML {
		body, contentType = toHTMLDocument(msg.Body), "text/html; charset=utf-8"
	}
	if err := writePart(mw, textproto.MIMEHeader{"Content-Type": {contentType}}, []byte(body)); err != nil {
		return nil, err
	}

	if att := msg.Attachment; att != nil {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h := textproto.MIMEHeader{
			"Content-Type":        {ct},
			"Content-Disposition": {mime.FormatMediaType("attachment", map[string]string{"filename": att.Name})},
		}
		if err := writePart(mw, h, att.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, h textproto.MIMEHeader, data []byte) error {
	h.Set("Content-Transfer-Encoding", "base64")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := part.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err = part.Write([]byte(enc + "\r\n"))
	return err
}

// toHTMLDocument turns the newline separated Telegram subset into an HTML body.
func toHTMLDocument(body string) string {
	return "<html><body>" + strings.ReplaceAll(body, "\n", "<br>\n") + "</body></html>"
}
