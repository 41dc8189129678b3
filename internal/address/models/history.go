package models

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"addrhist/pkg/domain"
)

// BaselinePolicy selects which stored segment a new start date is compared to.
type BaselinePolicy string

const (
	// BaselineLatest compares against the greatest start_date in the history.
	BaselineLatest BaselinePolicy = "latest"
	// BaselineFirst compares against the first segment of the ordered history.
	// This reproduces the behavior of the service this one replaced, which lets
	// a segment be appended between two existing ones.
	BaselineFirst BaselinePolicy = "first"
)

// ParseBaselinePolicy accepts "latest" or "first"; empty means BaselineLatest.
func ParseBaselinePolicy(s string) (BaselinePolicy, error) {
	switch p := BaselinePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return BaselineLatest, nil
	case BaselineLatest, BaselineFirst:
		return p, nil
	default:
		return "", fmt.Errorf("unknown baseline policy %q (want %q or %q)", s, BaselineLatest, BaselineFirst)
	}
}

// CompareSegments is the history ordering: start_date, then creation time,
// then id so the order is total.
func CompareSegments(a, b *Segment) int {
	if c := a.StartDate.Time().Compare(b.StartDate.Time()); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	ida, idb := uuid.UUID(a.ID), uuid.UUID(b.ID)
	return bytes.Compare(ida[:], idb[:])
}

// SortHistory orders segments in place by CompareSegments.
func SortHistory(segments []*Segment) {
	slices.SortStableFunc(segments, CompareSegments)
}

// Baseline returns the start date a new segment must be strictly after.
// ok is false for an empty history.
func Baseline(ordered []*Segment, policy BaselinePolicy) (date domain.Date, ok bool) {
	if len(ordered) == 0 {
		return domain.Date{}, false
	}
	if policy == BaselineFirst {
		return ordered[0].StartDate, true
	}
	return ordered[len(ordered)-1].StartDate, true
}

// OpenSegment returns the segment without an end date, or nil.
func OpenSegment(ordered []*Segment) *Segment {
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].IsOpen() {
			return ordered[i]
		}
	}
	return nil
}

// Covering returns the segment whose interval contains date, or nil.
// When intervals overlap the segment that starts last wins.
func Covering(ordered []*Segment, date domain.Date) *Segment {
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Covers(date) {
			return ordered[i]
		}
	}
	return nil
}

// OrderingMessage is the client-facing text for a rejected start date.
func OrderingMessage(startDate domain.Date) string {
	return fmt.Sprintf("start_date - %s, should be newer than the last address segment start_date", startDate)
}
