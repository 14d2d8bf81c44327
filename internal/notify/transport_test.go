package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

func TestWebhookTransport_Success(t *testing.T) {
	var gotBody, gotContentType, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tr := NewWebhookTransport(server.Client())
	err := tr.Send(context.Background(), model.ChannelWebhook, server.URL, Message{Body: `{"event":"course_available"}`, ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if gotBody != `{"event":"course_available"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotUA != "seatwatch-webhook/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestWebhookTransport_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewWebhookTransport(server.Client()).Send(context.Background(), model.ChannelWebhook, server.URL, Message{Body: "{}"})
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("err = %v, want *SendError", err)
			}
			if sendErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", sendErr.StatusCode, tt.status)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestWebhookTransport_NetworkErrorRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	err := NewWebhookTransport(&http.Client{Timeout: time.Second}).Send(context.Background(), model.ChannelWebhook, endpoint, Message{Body: "{}"})
	if err == nil {
		t.Fatal("停止済みサーバーへの送信はエラーになるべき")
	}
	if !IsRetryable(err) {
		t.Error("通信エラーは再試行対象であるべき")
	}
}

func TestTwilioTransport_Success(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer server.Close()

	tr := NewTwilioTransport(server.Client(), "AC123", "secret", "+15555550000")
	tr.baseURL = server.URL

	if err := tr.Send(context.Background(), model.ChannelSMS, "+15555550100", Message{Body: "Seat available"}); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotForm.Get("To") != "+15555550100" || gotForm.Get("From") != "+15555550000" || gotForm.Get("Body") != "Seat available" {
		t.Errorf("form = %v", gotForm)
	}
}

func TestTwilioTransport_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number."}`))
	}))
	defer server.Close()

	tr := NewTwilioTransport(server.Client(), "AC123", "secret", "+15555550000")
	tr.baseURL = server.URL

	err := tr.Send(context.Background(), model.ChannelSMS, "invalid", Message{Body: "x"})
	if err == nil {
		t.Fatal("400応答はエラーになるべき")
	}
	if IsRetryable(err) {
		t.Error("400応答は再試行対象外であるべき")
	}
	if !strings.Contains(err.Error(), "21211") {
		t.Errorf("Twilioのエラーコードが含まれていない: %v", err)
	}
}

func TestTwilioTransport_ServerErrorRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := NewTwilioTransport(server.Client(), "AC123", "secret", "+15555550000")
	tr.baseURL = server.URL

	if err := tr.Send(context.Background(), model.ChannelSMS, "+15555550100", Message{Body: "x"}); !IsRetryable(err) {
		t.Errorf("503応答は再試行対象であるべき: %v", err)
	}
}

// fakeSMTPServer はSMTPの最小限のコマンドに応答するテスト用サーバー。
type fakeSMTPServer struct {
	ln       net.Listener
	rcptCode int

	mu    sync.Mutex
	from  string
	rcpts []string
	data  string
}

func startFakeSMTPServer(t *testing.T, rcptCode int) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln, rcptCode: rcptCode}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	tp := textproto.NewConn(conn)
	defer tp.Close()

	_ = tp.PrintfLine("220 localhost ESMTP fake")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250 HELP")
		case strings.HasPrefix(cmd, "HELO"), strings.HasPrefix(cmd, "RSET"), strings.HasPrefix(cmd, "NOOP"):
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = line[len("MAIL FROM:"):]
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if s.rcptCode != 250 {
				_ = tp.PrintfLine("%d mailbox unavailable", s.rcptCode)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line[len("RCPT TO:"):])
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case cmd == "DATA":
			_ = tp.PrintfLine("354 Go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\n")
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK queued")
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 command not implemented")
		}
	}
}

func TestSMTPTransport_Send(t *testing.T) {
	server := startFakeSMTPServer(t, 250)

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: server.port(), From: "seatwatch@example.edu"})
	tr.now = func() time.Time { return eventTime }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := Message{Subject: "Seat available", Body: "<p>2 seats open</p>", ContentType: "text/html"}
	if err := tr.Send(ctx, model.ChannelEmail, "student@example.edu", msg); err != nil {
		t.Fatalf("Send error = %v", err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()

	if server.from != "<seatwatch@example.edu>" {
		t.Errorf("MAIL FROM = %q", server.from)
	}
	if len(server.rcpts) != 1 || server.rcpts[0] != "<student@example.edu>" {
		t.Errorf("RCPT TO = %v", server.rcpts)
	}
	for _, want := range []string{
		"Subject: Seat available",
		"To: student@example.edu",
		"Content-Type: text/html; charset=UTF-8",
		"<p>2 seats open</p>",
	} {
		if !strings.Contains(server.data, want) {
			t.Errorf("メール本文に %q が含まれていない:\n%s", want, server.data)
		}
	}
}

func TestSMTPTransport_PermanentRejection(t *testing.T) {
	server := startFakeSMTPServer(t, 550)

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: server.port(), From: "seatwatch@example.edu"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Send(ctx, model.ChannelEmail, "nobody@example.edu", Message{Body: "x"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.StatusCode != 550 || sendErr.Retryable() {
		t.Errorf("550応答は再試行不能であるべき: %+v", sendErr)
	}
}

func TestSMTPTransport_ConnectionRefusedRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: port, From: "seatwatch@example.edu"})
	err = tr.Send(context.Background(), model.ChannelEmail, "student@example.edu", Message{Body: "x"})
	if err == nil {
		t.Fatal("接続できない場合はエラーになるべき")
	}
	if !IsRetryable(err) {
		t.Error("接続エラーは再試行対象であるべき")
	}
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{&textproto.Error{Code: 421, Msg: "service not available"}, true},
		{&textproto.Error{Code: 451, Msg: "try again later"}, true},
		{&textproto.Error{Code: 550, Msg: "no such user"}, false},
		{&textproto.Error{Code: 554, Msg: "transaction failed"}, false},
		{io.ErrUnexpectedEOF, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			if got := IsRetryable(classifySMTPError(model.ChannelEmail, tt.err)); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestBuildMailMessage(t *testing.T) {
	msg := Message{Subject: "空きが出ました", Body: "seats=2", ContentType: "text/plain"}
	raw, err := buildMailMessage("from@example.edu", "to@example.edu", msg, eventTime)
	if err != nil {
		t.Fatalf("buildMailMessage error = %v", err)
	}
	s := string(raw)

	for _, want := range []string{
		"From: from@example.edu\r\n",
		"To: to@example.edu\r\n",
		"Subject: =?utf-8?q?",
		"Date: Fri, 10 Jan 2025 09:00:00 +0000\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"Content-Transfer-Encoding: quoted-printable\r\n",
		"seats=3D2",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("メッセージに %q が含まれていない:\n%s", want, s)
		}
	}
}
