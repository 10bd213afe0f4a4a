package actions

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/supportdesk/internal/commerce"
)

type faqResult struct {
	Question string `json:"question"`
	Category string `json:"category"`
	Answer   string `json:"answer"`
}

func (c *Catalog) searchFAQ(ctx context.Context, args map[string]any) (any, error) {
	faqs, err := c.store.SearchFAQ(ctx, stringArg(args, "query"), stringArg(args, "category"), 3)
	if err != nil {
		return nil, err
	}
	results := make([]faqResult, 0, len(faqs))
	for _, f := range faqs {
		results = append(results, faqResult{
			Question: f.Question,
			Category: f.Category,
			Answer:   htmlToText(f.AnswerHTML),
		})
	}
	return map[string]any{
		"found":   len(results) > 0,
		"count":   len(results),
		"results": results,
	}, nil
}

func (c *Catalog) getUserProfile(ctx context.Context, _ map[string]any) (any, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	u, err := c.store.GetUser(ctx, userID)
	if errors.Is(err, commerce.ErrNotFound) {
		return map[string]any{"found": false, "message": "No profile exists for this account."}, nil
	}
	if err != nil {
		return nil, err
	}
	n, err := c.store.CountOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"found":       true,
		"name":        u.Name,
		"email":       u.Email,
		"tier":        u.Tier,
		"memberSince": u.CreatedAt.Format(time.DateOnly),
		"orderCount":  n,
	}, nil
}
