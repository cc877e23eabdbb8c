// Package relay is a small store-and-forward service speaking the protocol in the push package. It keeps
// accounts and prekeys in memory and queues envelopes per device until the device acks them over its pipe.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

const maxRequestSize = 64 << 20

type Server struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	tokenKey  []byte
	directory *directory
	queue     Queue

	attachmentsLock sync.Mutex
	attachments     map[string][]byte

	listenersLock sync.Mutex
	listeners     map[string]map[chan struct{}]struct{}
}

func NewServer(c *config.Config, tokenKey []byte, queue Queue, cl clock.Clock) *Server {
	return &Server{
		config:      c,
		log:         c.Logger("relay"),
		clock:       cl,
		tokenKey:    tokenKey,
		directory:   newDirectory(),
		queue:       queue,
		attachments: make(map[string][]byte),
		listeners:   make(map[string]map[chan struct{}]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/accounts/{name}/{device:[0-9]+}", s.handleRegister()).Methods(http.MethodPut)
	r.HandleFunc("/v1/keys", s.authenticated(s.handleSetKeys)).Methods(http.MethodPut)
	r.HandleFunc("/v1/keys", s.authenticated(s.handleKeyCount)).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{name}/{device}", s.authenticated(s.handleGetKeys)).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{name}", s.authenticated(s.handleMessages)).Methods(http.MethodPut)
	r.HandleFunc("/v1/attachments", s.authenticated(s.handleUpload)).Methods(http.MethodPut)
	r.HandleFunc("/v1/attachments/{id}", s.authenticated(s.handleDownload)).Methods(http.MethodGet)
	r.HandleFunc("/v1/websocket", s.handlePipe()).Methods(http.MethodGet)
	return r
}

type authenticatedFunc func(w http.ResponseWriter, r *http.Request, from wire.Address)

func (s *Server) authenticated(f authenticatedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := s.authenticate(r)
		if err != nil {
			s.log.Debugf("rejecting %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f(w, r, from)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return false
	}
	if err := bencode.Deserialize(b, out); err != nil {
		s.log.Debugf("malformed body for %s: %v", r.URL.Path, err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeBody(w http.ResponseWriter, status int, in interface{}) {
	b, err := bencode.Serialize(in)
	if err != nil {
		s.log.Errorf("error encoding response: %v", err)
		http.Error(w, "error encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-type", wire.ContentType)
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.log.Debugf("error writing response: %v", err)
	}
}

func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		deviceID, err := strconv.ParseUint(vars["device"], 10, 32)
		if err != nil || deviceID == 0 {
			http.Error(w, "bad device", http.StatusBadRequest)
			return
		}
		reg := &wire.Registration{}
		if !s.readBody(w, r, reg) {
			return
		}
		addr := wire.NewAddress(vars["name"], uint32(deviceID))
		s.directory.register(addr, reg.RegistrationID)
		token, err := s.issueToken(addr)
		if err != nil {
			s.log.Errorf("error issuing token for %s: %v", addr, err)
			http.Error(w, "error issuing token", http.StatusInternalServerError)
			return
		}
		s.log.Infof("registered %s", addr)
		s.writeBody(w, http.StatusOK, &wire.RegistrationResponse{Token: token})
	}
}

func (s *Server) handleSetKeys(w http.ResponseWriter, r *http.Request, from wire.Address) {
	state := &wire.PreKeyState{}
	if !s.readBody(w, r, state) {
		return
	}
	if !s.directory.setKeys(from, state) {
		http.Error(w, "not registered", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeyCount(w http.ResponseWriter, r *http.Request, from wire.Address) {
	s.writeBody(w, http.StatusOK, &wire.PreKeyCount{Count: uint32(s.directory.preKeyCount(from))})
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request, from wire.Address) {
	vars := mux.Vars(r)
	var deviceID uint64
	if vars["device"] != "*" {
		var err error
		deviceID, err = strconv.ParseUint(vars["device"], 10, 32)
		if err != nil {
			http.Error(w, "bad device", http.StatusBadRequest)
			return
		}
	}
	bundles, ok := s.directory.bundles(vars["name"], uint32(deviceID))
	if !ok || len(bundles) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeBody(w, http.StatusOK, &wire.PreKeyResponse{Devices: bundles})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, from wire.Address) {
	name := mux.Vars(r)["name"]
	list := &wire.OutgoingMessageList{}
	if !s.readBody(w, r, list) {
		return
	}
	var exclude uint32
	if name == from.Name {
		exclude = from.DeviceID
	}
	if receiptsOnly(list.Messages) {
		for _, m := range list.Messages {
			if !s.directory.registered(wire.NewAddress(name, m.DestinationDeviceID)) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
		}
		s.deliver(w, r, from, name, list)
		return
	}
	exists, mismatch, stale := s.directory.check(name, exclude, list.Messages)
	switch {
	case !exists:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case mismatch != nil:
		s.writeBody(w, http.StatusConflict, mismatch)
		return
	case stale != nil:
		s.writeBody(w, http.StatusGone, stale)
		return
	}
	s.deliver(w, r, from, name, list)
}

// receiptsOnly reports whether a submission carries only receipts, which skip the device check.
func receiptsOnly(messages []wire.OutgoingMessage) bool {
	for _, m := range messages {
		if m.Type != wire.TypeReceipt && m.Type != wire.TypeRead {
			return false
		}
	}
	return len(messages) != 0
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, from wire.Address, name string, list *wire.OutgoingMessageList) {
	now := s.clock.CurrentTimeMs()
	for _, m := range list.Messages {
		env := &wire.Envelope{
			Type:            m.Type,
			Source:          from.Name,
			SourceDevice:    from.DeviceID,
			Relay:           list.Relay,
			Timestamp:       list.Timestamp,
			ServerTimestamp: now,
			ServerGUID:      uuid.NewString(),
		}
		if m.Legacy {
			env.LegacyMessage = m.Body
		} else {
			env.Content = m.Body
		}
		to := wire.NewAddress(name, m.DestinationDeviceID).String()
		if err := s.queue.Push(r.Context(), to, env); err != nil {
			s.log.Errorf("error queueing for %s: %v", to, err)
			http.Error(w, "error queueing", http.StatusInternalServerError)
			return
		}
		s.notify(to)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, from wire.Address) {
	var data []byte
	if !s.readBody(w, r, &data) {
		return
	}
	id := uuid.NewString()
	s.attachmentsLock.Lock()
	s.attachments[id] = data
	s.attachmentsLock.Unlock()
	s.writeBody(w, http.StatusOK, &wire.AttachmentResponse{ID: id})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, from wire.Address) {
	s.attachmentsLock.Lock()
	data, ok := s.attachments[mux.Vars(r)["id"]]
	s.attachmentsLock.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeBody(w, http.StatusOK, &data)
}

func (s *Server) listen(to string) chan struct{} {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	ch := make(chan struct{}, 1)
	if s.listeners[to] == nil {
		s.listeners[to] = make(map[chan struct{}]struct{})
	}
	s.listeners[to][ch] = struct{}{}
	return ch
}

func (s *Server) unlisten(to string, ch chan struct{}) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	delete(s.listeners[to], ch)
	if len(s.listeners[to]) == 0 {
		delete(s.listeners, to)
	}
}

func (s *Server) notify(to string) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for ch := range s.listeners[to] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) handlePipe() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		from, err := s.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debugf("error upgrading pipe for %s: %v", from, err)
			return
		}
		defer conn.Close()

		to := from.String()
		wake := s.listen(to)
		defer s.unlisten(to, wake)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.readAcks(ctx, cancel, conn, to)

		if err := s.forward(ctx, conn, to, wake); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debugf("pipe for %s closed: %v", to, err)
		}
	}
}

// forward writes every queued envelope once per connection. Unacked envelopes go out again on the next connection.
func (s *Server) forward(ctx context.Context, conn *websocket.Conn, to string, wake chan struct{}) error {
	sent := make(map[string]bool)
	for {
		pending, err := s.queue.Pending(ctx, to)
		if err != nil {
			return err
		}
		for _, env := range pending {
			if sent[env.ServerGUID] {
				continue
			}
			b, err := env.Marshal()
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return err
			}
			sent[env.ServerGUID] = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (s *Server) readAcks(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, to string) {
	defer cancel()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		ack := &wire.Ack{}
		if err := bencode.Deserialize(data, ack); err != nil {
			s.log.Debugf("malformed ack from %s: %v", to, err)
			continue
		}
		if err := s.queue.Remove(ctx, to, ack.GUID); err != nil {
			s.log.Errorf("error removing %s for %s: %v", ack.GUID, to, err)
		}
	}
}
