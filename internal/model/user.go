package model

// User identifies a group member in presence and typing frames.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
