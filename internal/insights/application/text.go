package application

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	insights "plant-insights/internal/insights/domain"
)

// Title renders the short headline of an insight, e.g. "Temperature Above Maximum".
func Title(metricName string, thresholdType insights.ThresholdType) string {
	metric := humanize(metricName)
	switch thresholdType {
	case insights.ThresholdAboveMax:
		return metric + " Above Maximum"
	case insights.ThresholdBelowMin:
		return metric + " Below Minimum"
	default:
		return metric + " Out of Range"
	}
}

// Description renders the detail line, e.g.
// "Boiler T1: Temperature at 118.3°C - above acceptable range (60-115°C)".
func Description(finding insights.Finding, assetName string) string {
	direction := "outside"
	switch finding.Key.ThresholdType {
	case insights.ThresholdAboveMax:
		direction = "above"
	case insights.ThresholdBelowMin:
		direction = "below"
	}
	text := fmt.Sprintf("%s at %s%s - %s acceptable range (%s-%s%s)",
		humanize(finding.Key.MetricName),
		strconv.FormatFloat(finding.Value, 'f', 1, 64),
		finding.Unit,
		direction,
		formatBound(finding.Range.MinValue),
		formatBound(finding.Range.MaxValue),
		finding.Unit,
	)
	if assetName == "" {
		assetName = finding.Key.AssetID
	}
	if assetName == "" {
		return text
	}
	return assetName + ": " + text
}

func humanize(metricName string) string {
	words := strings.FieldsFunc(metricName, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func formatBound(value float64) string {
	return strconv.FormatFloat(math.Round(value*100)/100, 'f', -1, 64)
}
