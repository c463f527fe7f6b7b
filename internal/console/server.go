package console

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/shiwa/rgb-sync/internal/logger"
)

const prompt = "rgb-sync> "

// Server — SSH-доступ к Shell.
type Server struct {
	config *ssh.ServerConfig
	shell  *Shell
}

// NewServer настраивает ключ хоста: загружает из hostKey или создаёт новый
// и сохраняет его туда. Пустой password отключает аутентификацию.
func NewServer(shell *Shell, hostKey, user, password string) (*Server, error) {
	cfg := &ssh.ServerConfig{}
	if password == "" {
		cfg.NoClientAuth = true
	} else {
		cfg.PasswordCallback = func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if (user == "" || c.User() == user) && subtle.ConstantTimeCompare(pass, []byte(password)) == 1 {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		}
	}
	signer, err := loadSSHKey(hostKey)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("ssh: host key %s: %v", hostKey, err)
		}
		if signer, err = generateNewSSHKey(hostKey); err != nil {
			return nil, err
		}
	}
	cfg.AddHostKey(signer)
	return &Server{config: cfg, shell: shell}, nil
}

func loadSSHKey(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

func generateNewSSHKey(path string) (ssh.Signer, error) {
	logger.Info("ssh: generating new host key")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ssh: generate key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse generated key: %w", err)
	}
	if path != "" {
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			logger.Error("ssh: host key write %s: %v", path, err)
		} else {
			logger.Info("ssh: host key written to %s", path)
		}
	}
	return signer, nil
}

// Run слушает addr до отмены ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ssh listen %s: %w", addr, err)
	}
	logger.Info("ssh: listening on %s", l.Addr())
	return s.Serve(ctx, l)
}

// Serve принимает соединения на l; закрывает его при отмене ctx.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.processConnection(ctx, conn)
	}
}

func (s *Server) processConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		logger.Debug("ssh: handshake %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sc.Close()
	logger.Info("ssh: %s connected as %q", sc.RemoteAddr(), sc.User())
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			logger.Debug("ssh: accept channel: %v", err)
			continue
		}
		go s.session(ctx, ch, requests)
	}
}

type exitStatus struct {
	Status uint32
}

func (s *Server) session(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(req.Type != "env", nil)
		case "shell":
			req.Reply(true, nil)
			s.interactive(ctx, ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
			return
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			out, _, err := s.shell.exec(ctx, payload.Command)
			code := uint32(0)
			if err != nil {
				out, code = fmt.Sprintf("error: %v\n", err), 1
			}
			ch.Write([]byte(out))
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code}))
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *Server) interactive(ctx context.Context, ch ssh.Channel) {
	t := term.NewTerminal(ch, prompt)
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		out, quit := s.shell.Exec(ctx, line)
		if quit {
			return
		}
		if out != "" {
			t.Write([]byte(out))
		}
	}
}
