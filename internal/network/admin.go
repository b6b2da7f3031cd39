package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"kadnode/internal/debuglog"
)

const (
	AdminALPN = "kadnode-admin"

	adminMaxRequest   = 64 << 10
	adminMaxResponse  = 4 << 20
	adminTimeout      = 8 * time.Second
	adminMaxRetries   = 3
	adminIdleTimeout  = 30 * time.Second
	adminHandshake    = 5 * time.Second
	adminStreamBudget = 10 * time.Second
)

var ErrUnknownRequest = errors.New("unknown admin request")

type AdminRequest struct {
	Type string            `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

type AdminResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// AdminHandler answers one request. The result is JSON encoded.
type AdminHandler func(ctx context.Context, req AdminRequest) (any, error)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// adminCert is deterministic so a local client can pin it without any
// shared file.
func adminCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("kadnode-admin-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    notBefore,
		NotAfter:     notBefore.AddDate(100, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func adminServerTLS() (*tls.Config, error) {
	cert, _, err := adminCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{AdminALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func adminClientTLS(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{AdminALPN}}, nil
	}
	_, der, err := adminCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{AdminALPN}}, nil
}

func adminQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       adminIdleTimeout,
		HandshakeIdleTimeout: adminHandshake,
	}
}

// AdminServer answers status requests over QUIC, one request per stream.
type AdminServer struct {
	ln     *quic.Listener
	handle AdminHandler
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	closed atomic.Bool
}

func ListenAdmin(addr string, handle AdminHandler, log *zap.Logger) (*AdminServer, error) {
	tlsConf, err := adminServerTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, adminQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}
	if log == nil {
		log = debuglog.Named("admin")
	}
	log.Info("admin listening", zap.Stringer("addr", ln.Addr()))
	s := &AdminServer{ln: ln, handle: handle, log: log}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *AdminServer) Addr() net.Addr { return s.ln.Addr() }

func (s *AdminServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept(s.ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("admin accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(s.ctx, conn)
		}()
	}
}

func (s *AdminServer) serveConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func(st *quic.Stream) {
			defer s.wg.Done()
			s.serveStream(ctx, st)
		}(stream)
	}
}

func (s *AdminServer) serveStream(ctx context.Context, st *quic.Stream) {
	defer st.Close()
	_ = st.SetDeadline(time.Now().Add(adminStreamBudget))
	data, err := io.ReadAll(io.LimitReader(st, adminMaxRequest))
	if err != nil {
		s.log.Debug("admin read failed", zap.Error(err))
		return
	}
	var resp AdminResponse
	var req AdminRequest
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
	} else if result, err := s.handle(ctx, req); err != nil {
		resp.Error = err.Error()
	} else if raw, err := json.Marshal(result); err != nil {
		resp.Error = err.Error()
	} else {
		resp.OK = true
		resp.Result = raw
	}
	s.log.Debug("admin request", zap.String("type", req.Type), zap.Bool("ok", resp.OK))
	out, _ := json.Marshal(resp)
	if _, err := st.Write(out); err != nil {
		s.log.Debug("admin write failed", zap.Error(err))
	}
}

func (s *AdminServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), adminTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, adminTimeout)
}

// AdminExchange sends req to the admin server at addr and returns the
// result payload. Dial failures are retried with backoff; a server-side
// error is returned as is.
func AdminExchange(ctx context.Context, addr string, req AdminRequest, insecure bool) (json.RawMessage, error) {
	tlsConf, err := adminClientTLS(insecure)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var resp AdminResponse
	op := func() error {
		raw, err := adminRoundTrip(ctx, addr, tlsConf, body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("admin response: %w", err))
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, adminMaxRetries), ctx)); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("admin %s: %s", req.Type, resp.Error)
	}
	return resp.Result, nil
}

func adminRoundTrip(ctx context.Context, addr string, tlsConf *tls.Config, body []byte) ([]byte, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, adminQUICConfig())
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "client done")
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	if _, err := st.Write(body); err != nil {
		return nil, err
	}
	if err := st.Close(); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(st, adminMaxResponse))
}
