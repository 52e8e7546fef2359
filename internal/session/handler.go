package session

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler upgrades inbound HTTP connections to the agent websocket
// protocol and runs the Hello handshake, generalizing the donor's bare
// gorilla upgrade (no auth, no handshake) into spec §4.5's two
// enrollment paths: a one-time bootstrap token exchanged for a
// long-lived access token, or an existing access token presented on
// reconnect.
type Handler struct {
	hub            *Hub
	jwtSecret      []byte
	bootstrapToken string
	upgrader       websocket.Upgrader
}

func NewHandler(hub *Hub, jwtSecret []byte, bootstrapToken string) *Handler {
	return &Handler{
		hub:            hub,
		jwtSecret:      jwtSecret,
		bootstrapToken: bootstrapToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP is wired as a gin handler (e.g. router.GET("/v1/agents/ws", handler.ServeHTTP)).
func (h *Handler) ServeHTTP(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("session: websocket upgrade failed: %v", err)
		return
	}

	if err := h.handshake(conn); err != nil {
		log.Printf("session: handshake failed: %v", err)
		conn.Close()
	}
}

func (h *Handler) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.Kind != KindHello {
		writeGoodbye(conn, "expected hello frame")
		return nil
	}

	var hello HelloPayload
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		writeGoodbye(conn, "malformed hello payload")
		return nil
	}

	agentID, issuedCredential, ok := h.authenticate(hello)
	if !ok {
		writeGoodbye(conn, "authentication failed")
		return nil
	}

	ack := HelloAckPayload{AgentID: agentID, Credential: issuedCredential, HeartbeatMS: heartbeatInterval.Milliseconds()}
	payload, _ := json.Marshal(ack)
	if err := conn.WriteMessage(websocket.BinaryMessage, mustMarshal(Frame{Kind: KindHelloAck, Seq: 1, Payload: payload})); err != nil {
		return err
	}

	client := newClient(h.hub, conn, hello, agentID)
	client.sendSeq = 1 // the HelloAck above went out as Seq 1
	h.hub.register <- client
	client.run()
	return nil
}

// authenticate returns the agent's stable id and, on a bootstrap
// exchange, a freshly issued access token the agent must persist and
// present on future reconnects.
func (h *Handler) authenticate(hello HelloPayload) (agentID string, issuedCredential string, ok bool) {
	if hello.AccessToken != "" {
		claims, err := verifyAccessToken(hello.AccessToken, h.jwtSecret)
		if err != nil {
			return "", "", false
		}
		return claims.AgentID, "", true
	}

	if hello.BootstrapToken != "" && h.bootstrapToken != "" && hello.BootstrapToken == h.bootstrapToken {
		agentID = uuid.NewString()
		token, err := issueAccessToken(agentID, hello.AgentName, hello.Tags, h.jwtSecret)
		if err != nil {
			return "", "", false
		}
		return agentID, token, true
	}

	return "", "", false
}

func writeGoodbye(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(GoodbyePayload{Reason: reason})
	conn.WriteMessage(websocket.BinaryMessage, mustMarshal(Frame{Kind: KindGoodbye, Payload: payload}))
}

func mustMarshal(f Frame) []byte {
	raw, _ := json.Marshal(f)
	return raw
}
