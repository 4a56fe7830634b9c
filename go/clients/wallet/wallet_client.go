package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/clients"
)

// Client talks to the ledger/wallet system. Credit is idempotent on the
// ledger side, keyed by room_id: replaying a credit for an already-settled
// room is a no-op there.
type Client struct {
	*clients.BaseClient
}

func NewClient(baseURL, apiKey string) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	client.SetHeader("Authorization", "Bearer "+apiKey)
	client.SetHeader("Content-Type", "application/json")
	return client
}

type creditRequest struct {
	PlayerID string `json:"player_id"`
	Amount   int64  `json:"amount"`
	RoomID   string `json:"room_id"`
}

type refundRequest struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id"`
}

// Credit pays out winnings for a room. At most one credit per room is ever
// issued by the engine; the room_id key lets the ledger drop any duplicate.
func (c *Client) Credit(ctx context.Context, playerID uuid.UUID, amount int64, roomID uuid.UUID) error {
	body, err := json.Marshal(creditRequest{
		PlayerID: playerID.String(),
		Amount:   amount,
		RoomID:   roomID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credit request: %w", err)
	}
	if _, err := c.Post(ctx, "/v1/credits", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	return nil
}

// Refund returns a player's stake for a room that never reached PLAYING.
func (c *Client) Refund(ctx context.Context, playerID, roomID uuid.UUID) error {
	body, err := json.Marshal(refundRequest{
		PlayerID: playerID.String(),
		RoomID:   roomID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal refund request: %w", err)
	}
	if _, err := c.Post(ctx, "/v1/refunds", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("refund failed: %w", err)
	}
	return nil
}
