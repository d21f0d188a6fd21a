package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshwire/internal/wire"
)

const alpnProto = "meshwire-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic development certificate: transport-level
// TLS only shields framing, message security is end-to-end in the envelope.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("meshwire-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(20 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// QUIC sends each frame on its own short-lived stream, length-framed.
type QUIC struct {
	log      *zap.Logger
	sendWait time.Duration

	mu       sync.Mutex
	listener *quic.Listener
	closed   bool
}

type QUICOptions struct {
	Logger *zap.Logger
	// SendTimeout bounds a single Send when the caller's ctx has no deadline.
	SendTimeout time.Duration
}

func NewQUIC(opts QUICOptions) *QUIC {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	wait := opts.SendTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &QUIC{log: log.Named("quic"), sendWait: wait}
}

func (q *QUIC) Listen(ctx context.Context, addr string, handle Handler) error {
	cert, err := devTLSCert()
	if err != nil {
		return err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = listener.Close()
		return ErrClosed
	}
	q.listener = listener
	q.mu.Unlock()
	q.log.Info("listening", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go q.serveConn(ctx, conn, handle)
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			frame, err := wire.ReadFrame(s)
			if err != nil {
				q.log.Debug("read frame failed",
					zap.String("remote", remote), zap.Error(err))
				return
			}
			handle(remote, frame)
		}(stream)
	}
}

func (q *QUIC) Send(ctx context.Context, addr string, frame []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.sendWait)
		defer cancel()
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if err := wire.WriteFrame(stream, frame); err != nil {
		return err
	}
	return stream.Close()
}

func (q *QUIC) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.listener != nil {
		return q.listener.Close()
	}
	return nil
}
