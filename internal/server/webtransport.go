package server

import (
	"context"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/connection"
	"sudooom.im.sync/internal/protocol"
)

// wtTransport 单个双向流承载全部帧
type wtTransport struct {
	session    *webtransport.Session
	stream     *webtransport.Stream
	remoteAddr string
}

func (t *wtTransport) WriteMessage(data []byte) error {
	return protocol.WriteFrame(t.stream, protocol.FrameTypeEnvelope, data)
}

func (t *wtTransport) Close(code int, reason string) error {
	return t.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (t *wtTransport) RemoteAddr() string {
	return t.remoteAddr
}

func (s *Server) newWebTransport(ctx context.Context) (*webtransport.Server, error) {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return nil, err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		Allow0RTT:             s.cfg.QUIC.Allow0RTT,
		EnableDatagrams:       true,
	}

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.QUIC.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		identity, authErr := s.authenticate(r)
		session, err := wt.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		if authErr != nil {
			s.logger.Info("WebTransport auth failed", "remote_addr", r.RemoteAddr, "error", authErr)
			_ = session.CloseWithError(protocol.CloseUnauthorized, "unauthorized")
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session, identity, r.RemoteAddr)
	})
	wt.H3.Handler = mux
	return wt, nil
}

// handleSession 客户端只使用首个双向流进行全部通信
func (s *Server) handleSession(ctx context.Context, session *webtransport.Session, identity auth.Identity, remoteAddr string) {
	defer s.wg.Done()

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	transport := &wtTransport{session: session, stream: stream, remoteAddr: remoteAddr}
	c := connection.New(transport, identity, s.cfg.Server.WriteBuffer, s.logger)
	s.serve(c, func() ([]byte, error) {
		for {
			frameType, body, err := protocol.ReadFrame(stream)
			if err != nil {
				return nil, err
			}
			if frameType == protocol.FrameTypeEnvelope {
				return body, nil
			}
			s.logger.Debug("Skipping unknown frame type", "conn_id", c.ID(), "frame_type", frameType)
		}
	})
}
