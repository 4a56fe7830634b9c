package questionbank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mcdev12/arena/go/clients"
	"github.com/mcdev12/arena/go/internal/models"
)

// Client fetches ordered question sets from the question-bank service.
type Client struct {
	*clients.BaseClient
}

func NewClient(baseURL, apiKey string) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	client.SetHeader("Authorization", "Bearer "+apiKey)
	return client
}

type questionSetResponse struct {
	Questions []models.Question `json:"questions"`
}

// QuestionSet returns a fresh ordered question set for a tier.
func (c *Client) QuestionSet(ctx context.Context, tier string) ([]models.Question, error) {
	endpoint := "/v1/question-sets?tier=" + url.QueryEscape(tier)
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch question set: %w", err)
	}

	var resp questionSetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode question set: %w", err)
	}
	if len(resp.Questions) == 0 {
		return nil, fmt.Errorf("question bank returned empty set for tier %q", tier)
	}
	return resp.Questions, nil
}
