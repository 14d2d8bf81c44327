package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// SMTPConfig はメール送信の接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport はSMTP（STARTTLS対応）でHTMLメールを送信する。
type SMTPTransport struct {
	cfg    SMTPConfig
	dialer *net.Dialer
	now    func() time.Time
}

// NewSMTPTransport はSMTPTransportの新しいインスタンスを生成する。
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Send はendpoint（メールアドレス）宛てにメッセージを送信する。
// サーバーがSTARTTLSに対応していれば暗号化してから認証する。
func (t *SMTPTransport) Send(ctx context.Context, channel model.Channel, endpoint string, msg Message) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &SendError{Channel: channel, Retry: true, Err: fmt.Errorf("SMTPサーバーへの接続に失敗しました: %w", err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return classifySMTPError(channel, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return classifySMTPError(channel, err)
		}
	}
	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return classifySMTPError(channel, err)
			}
		}
	}

	if err := c.Mail(t.cfg.From); err != nil {
		return classifySMTPError(channel, err)
	}
	if err := c.Rcpt(endpoint); err != nil {
		return classifySMTPError(channel, err)
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTPError(channel, err)
	}
	raw, err := buildMailMessage(t.cfg.From, endpoint, msg, t.now())
	if err != nil {
		w.Close()
		return &SendError{Channel: channel, Retry: false, Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return classifySMTPError(channel, err)
	}
	if err := w.Close(); err != nil {
		return classifySMTPError(channel, err)
	}

	return c.Quit()
}

// classifySMTPError はSMTP応答コードで再試行可否を決める。
// 5xxは恒久的エラー、4xxと通信エラーは一時的エラーとして扱う。
func classifySMTPError(channel model.Channel, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &SendError{
			Channel:    channel,
			StatusCode: tpErr.Code,
			Retry:      tpErr.Code < 500,
			Err:        err,
		}
	}
	return &SendError{Channel: channel, Retry: true, Err: err}
}

// buildMailMessage はRFC 5322形式のメールを組み立てる。本文はquoted-printableで符号化する。
func buildMailMessage(from, to string, msg Message, date time.Time) ([]byte, error) {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("メール本文の符号化に失敗しました: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("メール本文の符号化に失敗しました: %w", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
