package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"

	"turnos/internal/hub"
)

// Authenticator resolves the business a connecting client may watch.
type Authenticator func(r *http.Request) (string, error)

const sendBuffer = 16

// Handler serves the SockJS endpoint under prefix. Clients are bound to the
// business their credentials resolve to and receive pushes after sending
// {"action":"subscribe"}.
func (s *Service) Handler(prefix string, authenticate Authenticator) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		businessID, err := authenticate(session.Request())
		if err != nil || businessID == "" {
			_ = session.Close(4001, "unauthorized")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer), BusinessID: businessID}
		s.hub.Register(client)
		defer s.hub.Unregister(client)
		logger := s.logger.With(zap.String("client_id", client.ID), zap.String("business_id", businessID))
		logger.Debug("realtime client connected")

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				logger.Debug("realtime client gone", zap.Error(err))
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				s.hub.SetActive(client, false)
				continue
			}
			s.hub.SetActive(client, true)
			s.sendCurrent(client)
		}
	})
}

func (s *Service) sendCurrent(client *hub.Client) {
	snap, ok := s.Current(client.BusinessID)
	if !ok {
		s.schedule(s.context(), client.BusinessID)
		return
	}
	message, err := s.encode(TypeSnapshot, client.BusinessID, snap)
	if err != nil {
		return
	}
	select {
	case client.Send <- message:
	default:
	}
}
