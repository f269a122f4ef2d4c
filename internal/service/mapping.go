package service

import (
	"time"

	"trek-rest-api/internal/model"
	"trek-rest-api/internal/store"
)

// Conversions from remote documents to cache rows.

func profileFromDoc(uid string, doc *store.Document) *model.Profile {
	p := &model.Profile{UserID: uid}
	if email, ok := doc.String(model.FieldEmail); ok {
		p.Email = email
	}
	if sel, ok := doc.String(model.FieldSelectedItem); ok && sel != "" {
		p.SelectedItem = &sel
	}
	return p
}

func balanceFromDoc(uid string, doc *store.Document) *model.Balance {
	return &model.Balance{
		UserID:    uid,
		Coins:     doc.Int64(model.FieldCoins),
		UpdatedAt: updatedAt(doc),
	}
}

func totalsFromDoc(uid string, doc *store.Document) *model.Totals {
	return &model.Totals{
		UserID:    uid,
		Steps:     doc.Int64(model.FieldSteps),
		Miles:     doc.Float64(model.FieldMiles),
		Calories:  doc.Int64(model.FieldCalories),
		UpdatedAt: updatedAt(doc),
	}
}

func dailyFromDoc(uid string, doc *store.Document) *model.DailyData {
	date, ok := doc.String(model.FieldDate)
	if !ok || date == "" {
		date = doc.ID()
	}
	return &model.DailyData{
		UserID:   uid,
		Date:     date,
		Steps:    doc.Int64(model.FieldSteps),
		Miles:    doc.Float64(model.FieldMiles),
		Calories: doc.Int64(model.FieldCalories),
	}
}

func sessionsFromDocs(uid string, docs []*store.Document) []model.Session {
	sessions := make([]model.Session, 0, len(docs))
	for _, doc := range docs {
		date, _ := doc.String(model.FieldDate)
		s := model.Session{
			ID:              doc.ID(),
			UserID:          uid,
			Date:            date,
			StartedAt:       time.Unix(doc.Int64(model.FieldStartedAt), 0).UTC(),
			DurationSeconds: doc.Int64(model.FieldDuration),
			Steps:           doc.Int64(model.FieldSteps),
			Miles:           doc.Float64(model.FieldMiles),
			Calories:        doc.Int64(model.FieldCalories),
			CoinsEarned:     doc.Int64(model.FieldCoinsEarned),
		}
		s.PaceSecondsPerMile = model.Pace(s.DurationSeconds, s.Miles)
		sessions = append(sessions, s)
	}
	return sessions
}

func itemIDs(docs []*store.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID())
	}
	return ids
}

func updatedAt(doc *store.Document) time.Time {
	if secs := doc.Int64(model.FieldUpdatedAt); secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return doc.UpdateTime
}
