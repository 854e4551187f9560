package application

import (
	"context"
	"errors"
	"time"

	insights "plant-insights/internal/insights/domain"
)

// InsightView is the viewer-facing projection of an active insight.
type InsightView struct {
	ID          string            `json:"id"`
	Severity    insights.Severity `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	MetricName  string            `json:"metric_name"`
	DetectedAt  time.Time         `json:"detected_at"`
	AssetID     string            `json:"asset_id,omitempty"`
	AssetName   string            `json:"asset_name,omitempty"`
}

// ActiveInsightsFor returns the active insights of a facility, most recent detected_at first.
func (l *Ledger) ActiveInsightsFor(ctx context.Context, facilityID string) ([]InsightView, error) {
	if l == nil {
		return nil, errors.New("insights: nil ledger")
	}
	if facilityID == "" {
		return nil, insights.ErrInvalidKey
	}
	list, err := l.store.ListActive(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	insights.SortByDetectedDesc(list)

	views := make([]InsightView, 0, len(list))
	for _, item := range list {
		views = append(views, InsightView{
			ID:          item.ID,
			Severity:    item.Severity,
			Title:       item.Title,
			Description: item.Description,
			MetricName:  item.MetricName,
			DetectedAt:  item.DetectedAt,
			AssetID:     item.AssetID,
			AssetName:   l.assetName(item.AssetID, ""),
		})
	}
	return views, nil
}
