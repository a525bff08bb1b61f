// Package testutil provides a scripted interview backend for tests: the
// conversation and reply endpoints, a streamed TTS endpoint and the push channel.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ConversationRequest is the body recorded for each create-conversation call.
type ConversationRequest struct {
	UserID   string `json:"user_id"`
	Company  string `json:"company"`
	Topic    string `json:"topic"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// ReplyRequest is the body recorded for each create-reply call.
type ReplyRequest struct {
	ConversationID string `json:"-"`
	Text           string `json:"text"`
	EditorContents string `json:"editor_contents"`
	Language       string `json:"language"`
	ChannelID      string `json:"channel_id"`
}

// TTS scripts the audio returned for one message. Prefix is written and
// flushed first; the rest of Body follows once Hold is closed (or at once when
// Hold is nil).
type TTS struct {
	Status      int
	ContentType string
	Prefix      []byte
	Body        []byte
	Hold        <-chan struct{}
}

// InterviewServer is a fake interview backend.
type InterviewServer struct {
	*httptest.Server

	t        testing.TB
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conversations []ConversationRequest
	replies       []ReplyRequest
	replyStatus   int
	replyDelay    time.Duration
	nextConv      int
	nextReply     int
	tts           map[string]TTS
	defaultTTS    TTS
	ttsRequests   map[string]int
	channels      map[string]*channel
	channelOrder  []string
	channelSignal chan string
}

type channel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewInterviewServer starts a fake backend that is closed when the test ends.
func NewInterviewServer(t testing.TB) *InterviewServer {
	s := &InterviewServer{
		t:             t,
		tts:           make(map[string]TTS),
		ttsRequests:   make(map[string]int),
		channels:      make(map[string]*channel),
		channelSignal: make(chan string, 16),
		defaultTTS: TTS{
			Status:      http.StatusOK,
			ContentType: "audio/wav",
			Body:        GenerateTestAudio(t, 100*time.Millisecond),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	mux.HandleFunc("POST /conversations/{conversation_id}/messages", s.handleCreateReply)
	mux.HandleFunc("GET /conversations/{conversation_id}/messages/{message_id}/tts", s.handleTTS)
	mux.HandleFunc("GET /ws", s.handlePush)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Close drops push connections and shuts the server down.
func (s *InterviewServer) Close() {
	s.DropChannels()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// PushURL is the push channel endpoint.
func (s *InterviewServer) PushURL() string {
	return "ws" + s.URL[len("http"):] + "/ws"
}

// SetReplyStatus makes create-reply fail with status until reset with 0.
func (s *InterviewServer) SetReplyStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyStatus = status
}

// SetReplyDelay holds every create-reply response for d.
func (s *InterviewServer) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = d
}

// SetTTS scripts the audio for one message id.
func (s *InterviewServer) SetTTS(messageID string, tts TTS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tts[messageID] = tts
}

// SetDefaultTTS scripts the audio for messages without their own script.
func (s *InterviewServer) SetDefaultTTS(tts TTS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultTTS = tts
}

// Conversations returns the recorded create-conversation bodies.
func (s *InterviewServer) Conversations() []ConversationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationRequest(nil), s.conversations...)
}

// Replies returns the recorded create-reply bodies.
func (s *InterviewServer) Replies() []ReplyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReplyRequest(nil), s.replies...)
}

// TTSRequests returns how many times audio for messageID was requested.
func (s *InterviewServer) TTSRequests(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsRequests[messageID]
}

// WaitForChannel blocks until a push client connects and returns its channel id.
func (s *InterviewServer) WaitForChannel(timeout time.Duration) string {
	s.t.Helper()
	select {
	case id := <-s.channelSignal:
		return id
	case <-time.After(timeout):
		s.t.Fatalf("no push channel connected within %s", timeout)
		return ""
	}
}

// SendFragment pushes a text fragment to every open channel.
func (s *InterviewServer) SendFragment(messageID, text string) {
	s.Send(map[string]string{"type": "fragment", "message_id": messageID, "text": text})
}

// SendDone pushes a text-complete message.
func (s *InterviewServer) SendDone(messageID string) {
	s.Send(map[string]string{"type": "done", "message_id": messageID})
}

// SendError pushes a generation failure.
func (s *InterviewServer) SendError(messageID, reason string) {
	s.Send(map[string]string{"type": "error", "message_id": messageID, "error": reason})
}

// Send writes v as JSON to every open channel, dropping empty string fields.
func (s *InterviewServer) Send(v any) {
	if m, ok := v.(map[string]string); ok {
		for k, val := range m {
			if val == "" {
				delete(m, k)
			}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("marshal push message: %v", err)
	}
	s.SendRaw(data)
}

// SendRaw writes a text frame to every open channel.
func (s *InterviewServer) SendRaw(data []byte) {
	s.mu.Lock()
	chans := make([]*channel, 0, len(s.channels))
	for _, id := range s.channelOrder {
		if ch, ok := s.channels[id]; ok {
			chans = append(chans, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch.mu.Lock()
		err := ch.conn.WriteMessage(websocket.TextMessage, data)
		ch.mu.Unlock()
		if err != nil {
			s.t.Logf("push write failed: %v", err)
		}
	}
}

// DropChannels closes every push connection without a close handshake.
func (s *InterviewServer) DropChannels() {
	s.mu.Lock()
	chans := s.channels
	s.channels = make(map[string]*channel)
	s.channelOrder = nil
	s.mu.Unlock()

	for _, ch := range chans {
		ch.conn.Close()
	}
}

func (s *InterviewServer) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	s.mu.Lock()
	s.conversations = append(s.conversations, req)
	s.nextConv++
	id := fmt.Sprintf("conv-%d", s.nextConv)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": id})
}

func (s *InterviewServer) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	req.ConversationID = r.PathValue("conversation_id")

	s.mu.Lock()
	s.replies = append(s.replies, req)
	status, delay := s.replyStatus, s.replyDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	s.mu.Lock()
	s.nextReply++
	n := s.nextReply
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{
		"message_id":      fmt.Sprintf("t%d", n),
		"user_message_id": fmt.Sprintf("u%d", n),
	})
}

func (s *InterviewServer) handleTTS(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("message_id")

	s.mu.Lock()
	s.ttsRequests[messageID]++
	tts, ok := s.tts[messageID]
	if !ok {
		tts = s.defaultTTS
	}
	s.mu.Unlock()

	if tts.Status == 0 {
		tts.Status = http.StatusOK
	}
	if tts.ContentType != "" {
		w.Header().Set("Content-Type", tts.ContentType)
	}
	w.WriteHeader(tts.Status)
	flusher, _ := w.(http.Flusher)

	if len(tts.Prefix) > 0 {
		w.Write(tts.Prefix)
	}
	if flusher != nil {
		flusher.Flush()
	}
	if tts.Hold != nil {
		select {
		case <-tts.Hold:
		case <-r.Context().Done():
			return
		}
	}
	w.Write(tts.Body)
}

func (s *InterviewServer) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("channel")
	if id == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := &channel{conn: conn}
	ch.mu.Lock()
	err = conn.WriteJSON(map[string]string{"type": "hello", "channel_id": id})
	ch.mu.Unlock()
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.channels[id] = ch
	s.channelOrder = append(s.channelOrder, id)
	s.mu.Unlock()

	select {
	case s.channelSignal <- id:
	default:
	}

	// Drain client frames (pongs) until the connection goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			if s.channels[id] == ch {
				delete(s.channels, id)
			}
			s.mu.Unlock()
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GenerateTestAudio generates test audio (silent WAV) with specified duration
func GenerateTestAudio(t testing.TB, duration time.Duration) []byte {
	const (
		sampleRate    = 16000
		channels      = 1
		bitsPerSample = 16
	)
	numSamples := int(duration.Seconds() * float64(sampleRate))
	dataSize := numSamples * channels * (bitsPerSample / 8)

	audio := make([]byte, 44+dataSize)
	copy(audio[0:4], "RIFF")
	binary.LittleEndian.PutUint32(audio[4:8], uint32(36+dataSize))
	copy(audio[8:16], "WAVEfmt ")
	binary.LittleEndian.PutUint32(audio[16:20], 16)
	binary.LittleEndian.PutUint16(audio[20:22], 1)
	binary.LittleEndian.PutUint16(audio[22:24], channels)
	binary.LittleEndian.PutUint32(audio[24:28], sampleRate)
	binary.LittleEndian.PutUint32(audio[28:32], sampleRate*channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(audio[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(audio[34:36], bitsPerSample)
	copy(audio[36:40], "data")
	binary.LittleEndian.PutUint32(audio[40:44], uint32(dataSize))
	return audio
}
