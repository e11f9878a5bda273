package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fieldshare/internal/protocol"
	"github.com/antoniostano/fieldshare/internal/sharing"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) handleSharingWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, unsubscribeStates := s.manager.Subscribe()
	defer unsubscribeStates()
	notices, unsubscribeNotices := s.notices.Subscribe()
	defer unsubscribeNotices()
	errorsOut := make(chan protocol.ErrorEvent, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer func() {
			// Unblocks the read loop below.
			cancel()
			_ = conn.Close()
		}()
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			var msgType protocol.MessageType
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				continue
			case snap := <-states:
				msg, msgType = sharingStateOf(snap), protocol.TypeSharingState
			case n := <-notices:
				msg, msgType = noticeOf(n), protocol.TypeNotice
			case e := <-errorsOut:
				msg, msgType = e, protocol.TypeErrorEvent
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
				return
			}
			s.metrics.ObserveWSMessage("outbound", string(msgType))
		}
	}()

	sendError := func(code, detail string) {
		select {
		case errorsOut <- protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: detail}:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.ObserveWSMessage("dropped", string(protocol.TypeErrorEvent))
		}
	}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgKind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgKind != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendError("invalid_client_message", err.Error())
			continue
		}
		ctrl, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(ctrl.Type))
		s.applyControl(ctx, ctrl, sendError)
	}

	cancel()
	<-writerDone
}

func (s *Server) applyControl(ctx context.Context, ctrl protocol.ClientControl, sendError func(code, detail string)) {
	switch ctrl.Action {
	case protocol.ActionStartSharing:
		err := s.manager.StartSharing(ctrl.BookingID)
		switch {
		case errors.Is(err, sharing.ErrCapabilityUnavailable):
			sendError(sharing.CodeCapabilityUnavailable, err.Error())
		case err != nil:
			sendError("start_failed", err.Error())
		}
	case protocol.ActionStopSharing:
		err := s.manager.StopSharing(ctx, ctrl.BookingID)
		var ackErr *sharing.StopAckError
		switch {
		case errors.As(err, &ackErr):
			sendError(sharing.CodeStopAckFailed, err.Error())
		case err != nil:
			sendError("stop_failed", err.Error())
		}
	}
}

func noticeOf(n sharing.Notice) protocol.Notice {
	return protocol.Notice{
		Type:      protocol.TypeNotice,
		Level:     string(n.Level),
		Code:      n.Code,
		Message:   n.Message,
		BookingID: n.BookingID,
	}
}
