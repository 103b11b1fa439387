package models

import "time"

// User ist der Besitzer von Artikeln und Segmenten. Die Pipeline braucht nur
// die Existenz des Datensatzes; Authentifizierung passiert außerhalb.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Username string `json:"username" gorm:"uniqueIndex;size:256;not null"`
}

// TableName gibt explizit den Tabellennamen an.
func (User) TableName() string {
	return "users"
}
