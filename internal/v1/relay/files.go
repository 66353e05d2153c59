package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/hphmeet/relay/internal/v1/metrics"
	"github.com/hphmeet/relay/internal/v1/protocol"
)

// File transfer caps. The server never stores transfer bytes; it validates
// and forwards. Chunk size is measured after base64 decode.
const (
	maxFileSize  = 20 << 20  // 20 MiB
	maxChunkSize = 1_500_000 // 1.5 MB
)

func (c *conn) handleFileMeta(ctx context.Context, msg *protocol.Message, user string) {
	var p protocol.FileMetaPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.TransferID == "" {
		c.reply(msg, protocol.Errorf("Missing transfer id"))
		return
	}
	if p.Size > maxFileSize {
		c.reply(msg, protocol.Errorf("File too large (max 20MB)"))
		return
	}
	if !c.srv.limiter.AllowFileMeta(ctx, user) {
		c.reply(msg, protocol.Errorf("Too many file transfers, slow down!"))
		return
	}

	if !c.relayFileFrame(msg, user, p.To) {
		return
	}
	c.transfers[p.TransferID] = struct{}{}
	metrics.FileFramesRelayed.WithLabelValues("meta").Inc()
}

func (c *conn) handleFileChunk(msg *protocol.Message, user string) {
	var p protocol.FileChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.reply(msg, protocol.Errorf("Invalid payload"))
		return
	}

	// Chunks for a transfer that was never announced (or was refused) are
	// dropped without a reply.
	if _, ok := c.transfers[p.TransferID]; !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		c.reply(msg, protocol.Errorf("Invalid file chunk encoding"))
		return
	}
	if len(raw) > maxChunkSize {
		c.reply(msg, protocol.Errorf("File chunk too large (max 1.5MB)"))
		return
	}

	if c.relayFileFrame(msg, user, p.To) {
		metrics.FileFramesRelayed.WithLabelValues("chunk").Inc()
	}
}

func (c *conn) handleFileComplete(msg *protocol.Message, user string) {
	var p protocol.FileCompletePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.reply(msg, protocol.Errorf("Invalid payload"))
		return
	}
	if _, ok := c.transfers[p.TransferID]; !ok {
		return
	}
	delete(c.transfers, p.TransferID)

	if c.relayFileFrame(msg, user, p.To) {
		metrics.FileFramesRelayed.WithLabelValues("complete").Inc()
	}
}

// relayFileFrame forwards a file frame to the named recipient, or fans it
// out to the sender's room when no recipient is set.
func (c *conn) relayFileFrame(msg *protocol.Message, user, to string) bool {
	out := forwarded(msg.Type, user, msg.Payload)
	if to != "" {
		if !c.srv.registry.SendTo(to, out) {
			c.reply(msg, protocol.Errorf("User is not online"))
			return false
		}
		return true
	}

	name, ok := c.srv.registry.RoomOf(user)
	if !ok {
		c.reply(msg, protocol.Errorf("Join a room first"))
		return false
	}
	c.srv.registry.Broadcast(name, user, out)
	return true
}
