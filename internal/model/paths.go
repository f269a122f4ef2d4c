package model

// Remote document layout. Every per-user document lives under users/{uid}.
const (
	UsersCollection = "users"

	FieldEmail        = "email"
	FieldSelectedItem = "selected_item"
	FieldCoins        = "coins"
	FieldItemID       = "item_id"
	FieldUnlockedAt   = "unlocked_at"
	FieldDate         = "date"
	FieldSteps        = "steps"
	FieldMiles        = "miles"
	FieldCalories     = "calories"
	FieldUpdatedAt    = "updated_at"
	FieldStartedAt    = "started_at"
	FieldDuration     = "duration_seconds"
	FieldCoinsEarned  = "coins_earned"
)

// UserPath is the profile document of a user.
func UserPath(uid string) string {
	return UsersCollection + "/" + uid
}

// BalancePath is the coin balance document.
func BalancePath(uid string) string {
	return UserPath(uid) + "/wallet/balance"
}

// LockedCollection holds one document per item the user has not bought.
func LockedCollection(uid string) string {
	return UserPath(uid) + "/locked"
}

// UnlockedCollection holds one document per item the user owns.
func UnlockedCollection(uid string) string {
	return UserPath(uid) + "/unlocked"
}

// LockedPath is the Locked-set entry for an item.
func LockedPath(uid, itemID string) string {
	return LockedCollection(uid) + "/" + itemID
}

// UnlockedPath is the Unlocked-set entry for an item.
func UnlockedPath(uid, itemID string) string {
	return UnlockedCollection(uid) + "/" + itemID
}

// TotalsPath is the cumulative activity document.
func TotalsPath(uid string) string {
	return UserPath(uid) + "/health/total"
}

// DailyCollection holds one document per active day.
func DailyCollection(uid string) string {
	return UserPath(uid) + "/daily"
}

// DailyPath is the activity document of one day (date in DateLayout).
func DailyPath(uid, date string) string {
	return DailyCollection(uid) + "/" + date
}

// SessionsCollection holds one document per recorded walk or run.
func SessionsCollection(uid string) string {
	return UserPath(uid) + "/activities"
}

// SessionPath is the document of one recorded session.
func SessionPath(uid, sessionID string) string {
	return SessionsCollection(uid) + "/" + sessionID
}
